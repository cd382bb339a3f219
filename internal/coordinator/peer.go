package coordinator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/engine"
	"github.com/killvxk/netsnoop/internal/sockopt"
)

// ErrBusy is returned by SetCommand while a command is already in flight
// on the peer. Commands are refused, not queued.
var ErrBusy = errors.New("peer busy")

// State is the peer session state. A measurement walks
// Idle → Sending → AwaitAck → Running → Stopping → AwaitResult → Idle;
// any state can fall to Failed and back to Idle on timeout or error.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitAck
	StateRunning
	StateStopping
	StateAwaitResult
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateSending:     "sending",
	StateAwaitAck:    "await-ack",
	StateRunning:     "running",
	StateStopping:    "stopping",
	StateAwaitResult: "await-result",
	StateFailed:      "failed",
}

func (s State) String() string { return stateNames[s] }

// Peer is the coordinator-side handle for one connected agent: its control
// connection, the command in flight and the engine driving it. All fields
// are owned by the server's loop goroutine.
type Peer struct {
	srv    *Server
	ctrl   *net.TCPConn
	cookie string

	state State
	// deadline is the absolute expiry of the current state, zero when the
	// state has none.
	deadline time.Time

	cmd    command.Measurement
	sender engine.Sender
	data   *net.UDPConn
	mc     *multicastRun
}

func newPeer(s *Server, c *net.TCPConn) *Peer {
	return &Peer{srv: s, ctrl: c, cookie: c.RemoteAddr().String()}
}

// Cookie identifies the peer in logs; it is derived from the agent's
// address.
func (p *Peer) Cookie() string { return p.cookie }

// State reports the current session state.
func (p *Peer) State() State { return p.state }

// Command returns the command in flight, nil when idle.
func (p *Peer) Command() command.Command { return p.cmd }

// SetCommand starts a measurement on this peer: it negotiates the data
// channel, forwards the command line and arms the ack timeout. Refused
// with ErrBusy while a command is in flight.
func (p *Peer) SetCommand(cmd command.Command, now time.Time) error {
	if p.state != StateIdle {
		return ErrBusy
	}
	m, ok := cmd.(command.Measurement)
	if !ok {
		return fmt.Errorf("command %q is not a measurement", cmd.Name())
	}

	mode := &command.ModeCommand{Mode: command.ModeUDP, Port: p.srv.dataPort}
	if send, isSend := cmd.(*command.SendCommand); isSend && send.Multicast {
		mc, err := p.srv.ensureMulticast(send)
		if err != nil {
			return err
		}
		p.mc = mc
		mode.Mode = command.ModeMulticast
	} else {
		if err := p.openData(); err != nil {
			return err
		}
	}

	p.cmd = m
	p.state = StateSending
	err := p.writeLine(mode.Line())
	if err == nil {
		err = p.writeLine(cmd.Line())
	}
	if err != nil {
		// The command never reached the agent: drop the peer without
		// reporting a run result it was never counted into.
		p.cleanupCommand()
		p.srv.removePeer(p, err)
		return err
	}
	p.state = StateAwaitAck
	p.deadline = now.Add(m.MeasureTimeout())
	return nil
}

// openData opens the unicast data socket: bound to the control socket's
// local address, connected to the agent's control address, so the data
// 4-tuple mirrors the control 4-tuple.
func (p *Peer) openData() error {
	laddr := p.ctrl.LocalAddr().(*net.TCPAddr)
	raddr := p.ctrl.RemoteAddr().(*net.TCPAddr)
	conn, err := sockopt.DialUDP(
		&net.UDPAddr{IP: laddr.IP, Port: laddr.Port},
		&net.UDPAddr{IP: raddr.IP, Port: raddr.Port},
	)
	if err != nil {
		return fmt.Errorf("data socket: %w", err)
	}
	p.data = conn
	go p.readData(conn)
	return nil
}

// writeLine sends one control line. Control writes are small and bounded
// by ctrlWriteTimeout so the loop cannot wedge on a stalled agent.
func (p *Peer) writeLine(line string) error {
	p.ctrl.SetWriteDeadline(time.Now().Add(ctrlWriteTimeout))
	if _, err := fmt.Fprintf(p.ctrl, "%s\n", line); err != nil {
		return fmt.Errorf("control write: %w", err)
	}
	return nil
}

// handleLine processes one control line from the agent.
func (p *Peer) handleLine(line string, now time.Time) {
	cmd, err := command.Parse(line)
	if err != nil {
		p.srv.removePeer(p, fmt.Errorf("bad control line %q: %w", line, err))
		return
	}
	switch c := cmd.(type) {
	case *command.AckCommand:
		if p.state != StateAwaitAck {
			log.Printf("peer %s: unexpected ack in state %s", p.cookie, p.state)
			return
		}
		p.startRunning(now)
	case *command.ResultCommand:
		if p.state != StateAwaitResult {
			log.Printf("peer %s: unexpected result in state %s", p.cookie, p.state)
			return
		}
		p.finishWith(c.Stat)
	default:
		log.Printf("peer %s: unexpected command %q", p.cookie, cmd.Name())
	}
}

// startRunning moves an acked command into the Running state and arms its
// engine. Multicast peers share the server's engine; the first one to get
// here starts it.
func (p *Peer) startRunning(now time.Time) {
	if p.mc != nil {
		if !p.mc.started {
			p.mc.sender.Start(now)
			p.mc.started = true
		}
		p.sender = p.mc.sender
	} else {
		sender, err := engine.NewSender(p.cmd, p.data)
		if err != nil {
			p.fail(err)
			return
		}
		sender.Start(now)
		p.sender = sender
	}
	p.state = StateRunning
	p.deadline = time.Time{}
}

// handleDatagram feeds response traffic to the running engine. Datagrams
// outside a running command are stale by definition and dropped.
func (p *Peer) handleDatagram(pkt []byte, when time.Time) {
	if p.state != StateRunning || p.sender == nil || p.mc != nil {
		return
	}
	p.sender.HandleDatagram(pkt, when)
}

// advance fires the peer's timers: state deadlines and, when running, the
// engine's pacing and completion.
func (p *Peer) advance(now time.Time) {
	if !p.deadline.IsZero() && now.After(p.deadline) {
		p.fail(fmt.Errorf("timeout in state %s", p.state))
		return
	}
	if p.state != StateRunning {
		return
	}
	if p.mc == nil {
		if err := p.sender.Tick(now); err != nil {
			p.fail(fmt.Errorf("data send: %w", err))
			return
		}
	}
	if p.sender.Finished() {
		p.sendStop(now)
	}
}

// sendStop tells the agent the measurement is over and arms the
// result-wait timeout.
func (p *Peer) sendStop(now time.Time) {
	p.state = StateStopping
	stop := &command.StopCommand{Token: p.cmd.MeasureToken()}
	if err := p.writeLine(stop.Line()); err != nil {
		p.srv.removePeer(p, err)
		return
	}
	p.state = StateAwaitResult
	p.deadline = now.Add(p.cmd.MeasureTimeout())
}

// finishWith completes the command with the agent's report and returns the
// peer to Idle.
func (p *Peer) finishWith(agent *command.NetStat) {
	final := p.sender.Result(agent)
	p.cleanupCommand()
	p.srv.reportStopped(p, final)
}

// fail aborts the current command, releases the data socket and surfaces a
// nil statistic. The control connection stays up.
func (p *Peer) fail(err error) {
	log.Printf("peer %s failed: %v", p.cookie, err)
	p.state = StateFailed
	hadCommand := p.cmd != nil
	p.cleanupCommand()
	if hadCommand {
		p.srv.reportStopped(p, nil)
	}
}

// cleanupCommand releases per-command resources and returns to Idle.
func (p *Peer) cleanupCommand() {
	if p.data != nil {
		p.data.Close()
		p.data = nil
	}
	p.cmd = nil
	p.sender = nil
	p.mc = nil
	p.deadline = time.Time{}
	p.state = StateIdle
}

// readControl pumps control lines into the server's event channel. Runs on
// its own goroutine; owns nothing but the read side of the socket.
func (p *Peer) readControl() {
	sc := bufio.NewScanner(p.ctrl)
	sc.Buffer(make([]byte, 2048), 2048)
	for sc.Scan() {
		p.srv.events <- lineEvent{p: p, line: sc.Text()}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	p.srv.events <- errEvent{p: p, err: err}
}

// readData pumps datagrams into the server's event channel until the data
// socket is closed.
func (p *Peer) readData(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		p.srv.events <- dataEvent{p: p, pkt: pkt, when: time.Now()}
	}
}
