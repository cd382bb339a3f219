package command

import (
	"strconv"
	"strings"
)

// NetStat is the statistics snapshot produced per peer per command. Times
// are in milliseconds, speeds in bytes per second, loss is a fraction.
//
// Two aggregation operators are defined: Add sums element-wise (max fields
// keep the max, min fields the min) and Div divides by a peer count for
// averaged summaries.
type NetStat struct {
	// Loss is the fraction of packets lost, in [0,1] per peer.
	Loss float64

	Delay    int64
	MinDelay int64
	MaxDelay int64

	// Jitter is the delay spread; JitterStd its standard deviation.
	Jitter    int64
	JitterStd int64

	SendPackets int64
	RecvPackets int64

	IllegalPackets   int64
	ReorderPackets   int64
	DuplicatePackets int64
	// TimeoutPackets counts packets that stayed in the network longer than
	// the command's timeout.
	TimeoutPackets int64

	SendBytes int64
	RecvBytes int64

	SendTime    int64
	RecvTime    int64
	MaxSendTime int64
	MinSendTime int64
	MaxRecvTime int64
	MinRecvTime int64

	SendSpeed    int64
	MinSendSpeed int64
	MaxSendSpeed int64
	RecvSpeed    int64
	MinRecvSpeed int64
	MaxRecvSpeed int64

	SendAvgSpeed int64
	RecvAvgSpeed int64

	SendPps int64
	RecvPps int64

	// PeersCount is the number of peers the command started on;
	// PeersFailed how many of them did not report.
	PeersCount  int64
	PeersFailed int64
}

type statKind int

const (
	kindSum statKind = iota
	kindMax
	kindMin
)

type statField struct {
	key  string
	kind statKind
	i    *int64
	f    *float64
}

// fields enumerates every serialized field with its aggregation rule. The
// order fixes the wire order of String.
func (s *NetStat) fields() []statField {
	return []statField{
		{key: "loss", kind: kindSum, f: &s.Loss},
		{key: "send_speed", kind: kindSum, i: &s.SendSpeed},
		{key: "recv_speed", kind: kindSum, i: &s.RecvSpeed},
		{key: "send_avg_speed", kind: kindSum, i: &s.SendAvgSpeed},
		{key: "recv_avg_speed", kind: kindSum, i: &s.RecvAvgSpeed},
		{key: "max_send_speed", kind: kindMax, i: &s.MaxSendSpeed},
		{key: "max_recv_speed", kind: kindMax, i: &s.MaxRecvSpeed},
		{key: "min_send_speed", kind: kindMin, i: &s.MinSendSpeed},
		{key: "min_recv_speed", kind: kindMin, i: &s.MinRecvSpeed},
		{key: "send_packets", kind: kindSum, i: &s.SendPackets},
		{key: "recv_packets", kind: kindSum, i: &s.RecvPackets},
		{key: "illegal_packets", kind: kindSum, i: &s.IllegalPackets},
		{key: "reorder_packets", kind: kindSum, i: &s.ReorderPackets},
		{key: "duplicate_packets", kind: kindSum, i: &s.DuplicatePackets},
		{key: "timeout_packets", kind: kindSum, i: &s.TimeoutPackets},
		{key: "send_pps", kind: kindSum, i: &s.SendPps},
		{key: "recv_pps", kind: kindSum, i: &s.RecvPps},
		{key: "send_bytes", kind: kindSum, i: &s.SendBytes},
		{key: "recv_bytes", kind: kindSum, i: &s.RecvBytes},
		{key: "send_time", kind: kindSum, i: &s.SendTime},
		{key: "recv_time", kind: kindSum, i: &s.RecvTime},
		{key: "max_send_time", kind: kindMax, i: &s.MaxSendTime},
		{key: "max_recv_time", kind: kindMax, i: &s.MaxRecvTime},
		{key: "min_send_time", kind: kindMin, i: &s.MinSendTime},
		{key: "min_recv_time", kind: kindMin, i: &s.MinRecvTime},
		{key: "delay", kind: kindSum, i: &s.Delay},
		{key: "min_delay", kind: kindMin, i: &s.MinDelay},
		{key: "max_delay", kind: kindMax, i: &s.MaxDelay},
		{key: "jitter", kind: kindSum, i: &s.Jitter},
		{key: "jitter_std", kind: kindSum, i: &s.JitterStd},
		{key: "peers_count", kind: kindSum, i: &s.PeersCount},
		{key: "peers_failed", kind: kindSum, i: &s.PeersFailed},
	}
}

// Add accumulates o into s: summed fields add, max fields keep the larger
// value, min fields the smaller.
func (s *NetStat) Add(o *NetStat) {
	sf, of := s.fields(), o.fields()
	for n := range sf {
		switch {
		case sf[n].f != nil:
			*sf[n].f += *of[n].f
		case sf[n].kind == kindMax:
			if *of[n].i > *sf[n].i {
				*sf[n].i = *of[n].i
			}
		case sf[n].kind == kindMin:
			if *of[n].i < *sf[n].i {
				*sf[n].i = *of[n].i
			}
		default:
			*sf[n].i += *of[n].i
		}
	}
}

// Div divides the summed fields by a peer count for an averaged view. Max
// and min fields are left untouched: an extreme observed by one peer stays
// an extreme of the aggregate.
func (s *NetStat) Div(n int) {
	if n <= 0 {
		return
	}
	for _, f := range s.fields() {
		if f.kind != kindSum {
			continue
		}
		if f.f != nil {
			*f.f /= float64(n)
		} else {
			*f.i /= int64(n)
		}
	}
}

// String serializes the stat as space-separated key/value pairs, skipping
// zero-valued fields.
func (s *NetStat) String() string {
	var b strings.Builder
	for _, f := range s.fields() {
		if f.f != nil {
			if *f.f == 0 {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(f.key)
			b.WriteByte(' ')
			b.WriteString(strconv.FormatFloat(*f.f, 'g', -1, 64))
			continue
		}
		if *f.i == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.key)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(*f.i, 10))
	}
	return b.String()
}

// fromArgs fills the stat from parsed result-line arguments. Absent keys
// stay zero.
func (s *NetStat) fromArgs(args Args) error {
	for _, f := range s.fields() {
		v, ok := args[f.key]
		if !ok || v == "" {
			continue
		}
		if f.f != nil {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*f.f = x
			continue
		}
		x, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*f.i = x
	}
	return nil
}
