package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/killvxk/netsnoop/internal/command"
)

// Sender is the coordinator-side half of a measurement. The owning session
// drives it: Tick fires due work whenever the loop wakes, Deadline tells
// the loop when to wake next, HandleDatagram feeds it response traffic.
type Sender interface {
	// Start arms the engine; the first packet is due immediately.
	Start(now time.Time)

	// Deadline returns the next instant the engine needs a Tick, or the
	// zero time when it needs none.
	Deadline() time.Time

	// Tick emits due packets and advances quiescence. A non-nil error is a
	// transport failure and fails the peer.
	Tick(now time.Time) error

	// HandleDatagram classifies one response datagram.
	HandleDatagram(b []byte, now time.Time)

	// Finished reports whether the measurement has run to completion.
	Finished() bool

	// Result produces the per-peer statistic, folding in the agent's
	// report when the variant uses one. agent may be nil.
	Result(agent *command.NetStat) *command.NetStat
}

// Receiver is the agent-side half of a measurement.
type Receiver interface {
	Start(now time.Time)

	// HandleDatagram classifies one received datagram. A non-nil error is
	// a transport failure.
	HandleDatagram(b []byte, now time.Time) error

	// Writable drains any buffered response traffic (echo copies).
	Writable(now time.Time) error

	// Result produces the agent's statistic for the Result report.
	Result(now time.Time) *command.NetStat
}

// NewSender builds the coordinator-side engine for a measurement command.
// w is the connected data socket the engine emits on.
func NewSender(cmd command.Command, w io.Writer) (Sender, error) {
	switch c := cmd.(type) {
	case *command.EchoCommand:
		return NewEchoSender(c, w), nil
	case *command.SendCommand:
		return NewSendSender(c, w), nil
	default:
		return nil, fmt.Errorf("no sender for command %q", cmd.Name())
	}
}

// NewReceiver builds the agent-side engine. w is the data socket echo
// copies are written back on; the send receiver never writes.
func NewReceiver(cmd command.Command, w io.Writer) (Receiver, error) {
	switch c := cmd.(type) {
	case *command.EchoCommand:
		return NewEchoResponder(c, w), nil
	case *command.SendCommand:
		return NewSendReceiver(c), nil
	default:
		return nil, fmt.Errorf("no receiver for command %q", cmd.Name())
	}
}

// millis converts a duration to whole milliseconds for NetStat fields.
func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// clampLoss keeps a loss fraction within [0,1].
func clampLoss(loss float64) float64 {
	if loss < 0 {
		return 0
	}
	if loss > 1 {
		return 1
	}
	return loss
}
