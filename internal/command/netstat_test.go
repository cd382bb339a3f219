package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStat(n int64) *NetStat {
	return &NetStat{
		// Exact binary fraction: the algebra tests compare bit-for-bit.
		Loss:         float64(n) / 4,
		Delay:        n,
		MinDelay:     n,
		MaxDelay:     n * 10,
		SendPackets:  n * 100,
		RecvPackets:  n * 90,
		SendBytes:    n * 1000,
		RecvBytes:    n * 900,
		SendTime:     n * 5,
		RecvTime:     n * 5,
		MinSendSpeed: n * 11,
		MaxSendSpeed: n * 13,
		SendSpeed:    n * 12,
		PeersCount:   1,
	}
}

// TestNetStatAdd tests the elementwise sum with max/min semantics
func TestNetStatAdd(t *testing.T) {
	t.Run("sums and extremes", func(t *testing.T) {
		a, b := sampleStat(2), sampleStat(3)
		a.Add(b)

		assert.Equal(t, int64(500), a.SendPackets)
		assert.Equal(t, int64(5), a.Delay)
		assert.InDelta(t, 1.25, a.Loss, 1e-9)
		// min keeps the smaller, max the larger
		assert.Equal(t, int64(2), a.MinDelay)
		assert.Equal(t, int64(30), a.MaxDelay)
		assert.Equal(t, int64(22), a.MinSendSpeed)
		assert.Equal(t, int64(39), a.MaxSendSpeed)
		assert.Equal(t, int64(2), a.PeersCount)
	})

	t.Run("zero is identity on summed fields", func(t *testing.T) {
		a := sampleStat(7)
		want := *a
		a.Add(&NetStat{MinDelay: want.MinDelay, MinSendSpeed: want.MinSendSpeed})
		// Zero-valued min fields would clobber the aggregate, so the zero
		// element carries the existing mins.
		assert.Equal(t, want, *a)
	})

	t.Run("commutative", func(t *testing.T) {
		x, y := sampleStat(2), sampleStat(5)
		xy := *x
		xy.Add(y)
		yx := *y
		yx.Add(x)
		assert.Equal(t, xy, yx)
	})

	t.Run("associative", func(t *testing.T) {
		a, b, c := sampleStat(1), sampleStat(2), sampleStat(3)
		left := *a
		left.Add(b)
		left.Add(c)
		bc := *b
		bc.Add(c)
		right := *a
		right.Add(&bc)
		assert.Equal(t, left, right)
	})
}

// TestNetStatDiv tests the peer-count division
func TestNetStatDiv(t *testing.T) {
	a := sampleStat(2)
	a.Add(sampleStat(4))
	minDelay, maxDelay := a.MinDelay, a.MaxDelay
	minSpeed, maxSpeed := a.MinSendSpeed, a.MaxSendSpeed

	a.Div(2)

	assert.Equal(t, int64(300), a.SendPackets)
	assert.Equal(t, int64(3), a.Delay)
	// Div is identity on the max/min fields: an extreme observed by one
	// peer stays an extreme of the aggregate.
	assert.Equal(t, minDelay, a.MinDelay)
	assert.Equal(t, maxDelay, a.MaxDelay)
	assert.Equal(t, minSpeed, a.MinSendSpeed)
	assert.Equal(t, maxSpeed, a.MaxSendSpeed)

	t.Run("divide by zero is a no-op", func(t *testing.T) {
		b := sampleStat(3)
		want := *b
		b.Div(0)
		assert.Equal(t, want, *b)
	})
}

// TestNetStatString tests serialization behavior
func TestNetStatString(t *testing.T) {
	t.Run("zero stat serializes empty", func(t *testing.T) {
		s := &NetStat{}
		assert.Equal(t, "", s.String())
	})

	t.Run("skips zero fields", func(t *testing.T) {
		s := &NetStat{RecvPackets: 3, Loss: 0.4}
		str := s.String()
		assert.Contains(t, str, "recv_packets 3")
		assert.Contains(t, str, "loss 0.4")
		assert.NotContains(t, str, "send_packets")
	})

	t.Run("round trips through fromArgs", func(t *testing.T) {
		orig := sampleStat(9)
		fields := strings.Fields(orig.String())
		require.Equal(t, 0, len(fields)%2, "odd field count in %q", orig.String())
		args := make(Args)
		for i := 0; i < len(fields); i += 2 {
			args[fields[i]] = fields[i+1]
		}
		got := &NetStat{}
		require.NoError(t, got.fromArgs(args))
		assert.Equal(t, *orig, *got)
	})
}
