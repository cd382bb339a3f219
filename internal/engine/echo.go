package engine

import (
	"io"
	"log"
	"math"
	"time"

	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/wire"
)

// echoQueueLimit bounds the responder's pending-echo queue. When the data
// socket cannot drain fast enough the oldest datagram is dropped so the
// queue cannot grow without bound.
const echoQueueLimit = 64

// EchoSender drives the coordinator side of a ping measurement: it emits
// stamped probes at the command interval and measures the round trip of
// every echo that comes back.
type EchoSender struct {
	cmd *command.EchoCommand
	w   io.Writer
	buf []byte

	start time.Time
	stop  time.Time
	// lastSend anchors the quiesce wait; nextSend paces emission.
	lastSend time.Time
	nextSend time.Time

	sendPackets    int64
	recvPackets    int64
	illegalPackets int64
	timeoutPackets int64

	// Delay accounting in milliseconds; the squared sum feeds the
	// standard deviation.
	delaySum   float64
	delaySqSum float64
	minDelay   float64
	maxDelay   float64

	finished bool
}

// NewEchoSender builds an echo sender emitting on w.
func NewEchoSender(cmd *command.EchoCommand, w io.Writer) *EchoSender {
	return &EchoSender{cmd: cmd, w: w, buf: make([]byte, cmd.Size)}
}

func (s *EchoSender) Start(now time.Time) {
	s.start = now
	s.nextSend = now
}

func (s *EchoSender) Deadline() time.Time {
	if s.finished {
		return time.Time{}
	}
	if s.sendPackets < int64(s.cmd.Count) {
		return s.nextSend
	}
	return s.lastSend.Add(s.cmd.Wait)
}

func (s *EchoSender) Tick(now time.Time) error {
	if s.finished {
		return nil
	}
	for s.sendPackets < int64(s.cmd.Count) && !now.Before(s.nextSend) {
		head := wire.DataHead{
			Timestamp: now.UnixNano(),
			Sequence:  uint16(s.sendPackets),
			Length:    uint16(s.cmd.Size - wire.HeadLen),
			Token:     s.cmd.Token,
		}
		head.Put(s.buf)
		if _, err := s.w.Write(s.buf); err != nil {
			return err
		}
		s.sendPackets++
		s.lastSend = now
		s.nextSend = s.nextSend.Add(s.cmd.Interval)
		if s.nextSend.Before(now) {
			// Fell behind; do not burst to catch up.
			s.nextSend = now.Add(s.cmd.Interval)
		}
	}
	if s.sendPackets == int64(s.cmd.Count) {
		done := s.recvPackets+s.timeoutPackets >= s.sendPackets ||
			!now.Before(s.lastSend.Add(s.cmd.Wait))
		if done {
			s.finished = true
			s.stop = now
		}
	}
	return nil
}

func (s *EchoSender) HandleDatagram(b []byte, now time.Time) {
	head, err := wire.ParseHead(b)
	if err != nil || head.Token != s.cmd.Token {
		s.illegalPackets++
		return
	}
	d := now.Sub(time.Unix(0, head.Timestamp))
	if d > s.cmd.Timeout {
		s.timeoutPackets++
		return
	}
	ms := float64(d.Microseconds()) / 1000
	if s.recvPackets == 0 || ms < s.minDelay {
		s.minDelay = ms
	}
	if ms > s.maxDelay {
		s.maxDelay = ms
	}
	s.delaySum += ms
	s.delaySqSum += ms * ms
	s.recvPackets++
}

func (s *EchoSender) Finished() bool { return s.finished }

// Result computes the round-trip statistics. The agent's report only
// carries its own echo counts, which the sender's view already reflects,
// so it contributes nothing here.
func (s *EchoSender) Result(agent *command.NetStat) *command.NetStat {
	stat := &command.NetStat{
		SendPackets:    s.sendPackets,
		RecvPackets:    s.recvPackets,
		IllegalPackets: s.illegalPackets,
		TimeoutPackets: s.timeoutPackets,
		SendBytes:      s.sendPackets * int64(s.cmd.Size),
		RecvBytes:      s.recvPackets * int64(s.cmd.Size),
		SendTime:       millis(s.stop.Sub(s.start)),
	}
	if s.recvPackets > 0 {
		mean := s.delaySum / float64(s.recvPackets)
		varn := s.delaySqSum/float64(s.recvPackets) - mean*mean
		if varn < 0 {
			varn = 0
		}
		stat.Delay = int64(math.Round(mean))
		stat.MinDelay = int64(math.Round(s.minDelay))
		stat.MaxDelay = int64(math.Round(s.maxDelay))
		stat.Jitter = stat.MaxDelay - stat.MinDelay
		stat.JitterStd = int64(math.Round(math.Sqrt(varn)))
	}
	if s.sendPackets > 0 {
		stat.Loss = clampLoss(float64(s.sendPackets-s.recvPackets) / float64(s.sendPackets))
	}
	return stat
}

// EchoResponder is the agent side of a ping measurement: every accepted
// datagram is queued and sent back verbatim, header and all, so the
// sender's timestamp and sequence survive the round trip.
type EchoResponder struct {
	cmd *command.EchoCommand
	w   io.Writer

	queue   [][]byte
	recv    int64
	sent    int64
	illegal int64
	dropped int64
}

// NewEchoResponder builds an echo responder writing back on w.
func NewEchoResponder(cmd *command.EchoCommand, w io.Writer) *EchoResponder {
	return &EchoResponder{cmd: cmd, w: w}
}

func (r *EchoResponder) Start(now time.Time) {}

func (r *EchoResponder) HandleDatagram(b []byte, now time.Time) error {
	head, err := wire.ParseHead(b)
	if err != nil || head.Token != r.cmd.Token {
		r.illegal++
		return nil
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	if len(r.queue) >= echoQueueLimit {
		r.queue = r.queue[1:]
		r.dropped++
	}
	r.queue = append(r.queue, pkt)
	r.recv++
	return nil
}

func (r *EchoResponder) Writable(now time.Time) error {
	for len(r.queue) > 0 {
		if _, err := r.w.Write(r.queue[0]); err != nil {
			return err
		}
		r.queue = r.queue[0:copy(r.queue, r.queue[1:])]
		r.sent++
	}
	return nil
}

// Pending reports how many echoes are still queued. A non-empty queue at
// stop means the measurement ended before the link drained.
func (r *EchoResponder) Pending() int { return len(r.queue) }

func (r *EchoResponder) Result(now time.Time) *command.NetStat {
	if n := len(r.queue); n > 0 {
		log.Printf("echo stop: dropping %d queued packets", n)
	}
	if r.dropped > 0 {
		log.Printf("echo queue overflowed, dropped %d packets", r.dropped)
	}
	return &command.NetStat{
		RecvPackets:    r.recv,
		SendPackets:    r.sent,
		IllegalPackets: r.illegal,
	}
}
