package engine

import (
	"io"
	"time"

	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/wire"
)

// speedWindow is the sampling window for min/max speed tracking.
const speedWindow = time.Second

// seqRingSize is how many recent sequence numbers the send receiver
// remembers for duplicate detection. Must be a power of two.
const seqRingSize = 8192

// SendSender drives the coordinator side of a one-way send: count packets,
// sequences 0..count-1 emitted exactly once in order, paced at the command
// interval, then a quiesce wait for the agents' reports.
type SendSender struct {
	cmd *command.SendCommand
	w   io.Writer
	buf []byte

	start    time.Time
	lastSend time.Time
	nextSend time.Time

	sendPackets int64
	sendBytes   int64

	windowStart time.Time
	windowBytes int64
	minSpeed    int64
	maxSpeed    int64

	finished bool
}

// NewSendSender builds a send sender emitting on w.
func NewSendSender(cmd *command.SendCommand, w io.Writer) *SendSender {
	return &SendSender{cmd: cmd, w: w, buf: make([]byte, cmd.Size)}
}

func (s *SendSender) Start(now time.Time) {
	s.start = now
	s.nextSend = now
	s.windowStart = now
}

func (s *SendSender) Deadline() time.Time {
	if s.finished {
		return time.Time{}
	}
	if s.sendPackets < int64(s.cmd.Count) {
		return s.nextSend
	}
	return s.lastSend.Add(s.cmd.Wait)
}

func (s *SendSender) Tick(now time.Time) error {
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
		s.sendBytes += int64(s.cmd.Size)
		s.windowBytes += int64(s.cmd.Size)
		s.lastSend = now
		if elapsed := now.Sub(s.windowStart); elapsed >= speedWindow {
			speed := int64(float64(s.windowBytes) / elapsed.Seconds())
			if s.minSpeed == 0 || speed < s.minSpeed {
				s.minSpeed = speed
			}
			if speed > s.maxSpeed {
				s.maxSpeed = speed
			}
			s.windowStart = now
			s.windowBytes = 0
		}
		if s.cmd.Interval > 0 {
			s.nextSend = s.nextSend.Add(s.cmd.Interval)
			if s.nextSend.Before(now) {
				s.nextSend = now.Add(s.cmd.Interval)
			}
		}
	}
	if s.sendPackets == int64(s.cmd.Count) && !now.Before(s.lastSend.Add(s.cmd.Wait)) {
		s.finished = true
	}
	return nil
}

// HandleDatagram ignores stray traffic; a one-way send expects none.
func (s *SendSender) HandleDatagram(b []byte, now time.Time) {}

func (s *SendSender) Finished() bool { return s.finished }

// Result folds the agent's receive-side report into the sender's own
// accounting. With a nil agent report only the send side is populated.
func (s *SendSender) Result(agent *command.NetStat) *command.NetStat {
	stat := &command.NetStat{
		SendPackets:  s.sendPackets,
		SendBytes:    s.sendBytes,
		MinSendSpeed: s.minSpeed,
		MaxSendSpeed: s.maxSpeed,
	}
	if dur := s.lastSend.Sub(s.start); dur > 0 {
		stat.SendTime = millis(dur)
		stat.SendSpeed = int64(float64(s.sendBytes) / dur.Seconds())
		stat.SendPps = int64(float64(s.sendPackets) / dur.Seconds())
	}
	if agent != nil {
		stat.RecvPackets = agent.RecvPackets
		stat.RecvBytes = agent.RecvBytes
		stat.RecvTime = agent.RecvTime
		stat.RecvSpeed = agent.RecvSpeed
		stat.MinRecvSpeed = agent.MinRecvSpeed
		stat.MaxRecvSpeed = agent.MaxRecvSpeed
		stat.RecvPps = agent.RecvPps
		stat.IllegalPackets += agent.IllegalPackets
		stat.ReorderPackets = agent.ReorderPackets
		stat.DuplicatePackets = agent.DuplicatePackets
		stat.TimeoutPackets += agent.TimeoutPackets
		stat.Loss = agent.Loss
	}
	return stat
}

// SendReceiver is the agent side of a one-way send. Every delivered
// datagram lands in exactly one bucket: accepted (with reorder and
// duplicate sub-classification), illegal (foreign token), or timed out
// (older than the command timeout).
type SendReceiver struct {
	cmd *command.SendCommand

	started bool
	start   time.Time
	end     time.Time

	recvPackets    int64
	recvBytes      int64
	illegalPackets int64
	timeoutPackets int64
	reorderPackets int64
	dupPackets     int64

	// watermark is the highest accepted sequence; the ring remembers
	// recent sequences for duplicate detection.
	watermark int32
	ring      [seqRingSize]int32

	windowStart time.Time
	windowBytes int64
	minSpeed    int64
	maxSpeed    int64
}

// NewSendReceiver builds a send receiver for cmd.
func NewSendReceiver(cmd *command.SendCommand) *SendReceiver {
	r := &SendReceiver{cmd: cmd, watermark: -1}
	for i := range r.ring {
		r.ring[i] = -1
	}
	return r
}

func (r *SendReceiver) Start(now time.Time) {
	r.start = now
	r.windowStart = now
	r.started = true
}

func (r *SendReceiver) HandleDatagram(b []byte, now time.Time) error {
	head, err := wire.ParseHead(b)
	if err != nil || head.Token != r.cmd.Token {
		r.illegalPackets++
		return nil
	}
	if d := now.Sub(time.Unix(0, head.Timestamp)); d > r.cmd.Timeout {
		r.timeoutPackets++
		return nil
	}
	r.recvPackets++
	r.recvBytes += int64(len(b))
	r.end = now

	seq := int32(head.Sequence)
	if seq < r.watermark {
		r.reorderPackets++
	}
	slot := seq % seqRingSize
	if r.ring[slot] == seq {
		r.dupPackets++
	} else {
		r.ring[slot] = seq
	}
	if seq > r.watermark {
		r.watermark = seq
	}

	r.windowBytes += int64(len(b))
	if elapsed := now.Sub(r.windowStart); elapsed >= speedWindow {
		speed := int64(float64(r.windowBytes) / elapsed.Seconds())
		if r.minSpeed == 0 || speed < r.minSpeed {
			r.minSpeed = speed
		}
		if speed > r.maxSpeed {
			r.maxSpeed = speed
		}
		r.windowStart = now
		r.windowBytes = 0
	}
	return nil
}

// Writable is a no-op: a send receiver never transmits on the data channel.
func (r *SendReceiver) Writable(now time.Time) error { return nil }

func (r *SendReceiver) Result(now time.Time) *command.NetStat {
	stat := &command.NetStat{
		RecvPackets:      r.recvPackets,
		RecvBytes:        r.recvBytes,
		IllegalPackets:   r.illegalPackets,
		TimeoutPackets:   r.timeoutPackets,
		ReorderPackets:   r.reorderPackets,
		DuplicatePackets: r.dupPackets,
		MinRecvSpeed:     r.minSpeed,
		MaxRecvSpeed:     r.maxSpeed,
	}
	if dur := r.end.Sub(r.start); dur > 0 {
		stat.RecvTime = millis(dur)
		stat.RecvSpeed = int64(float64(r.recvBytes) / dur.Seconds())
		stat.RecvPps = int64(float64(r.recvPackets) / dur.Seconds())
	}
	if r.cmd.Count > 0 {
		stat.Loss = clampLoss(1 - float64(r.recvPackets)/float64(r.cmd.Count))
	}
	return stat
}
