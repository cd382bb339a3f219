// Package agent implements the measurement agent: it connects outward to a
// coordinator, executes the receive side of each commanded measurement and
// reports its statistics back. Mirror of the coordinator's session model
// with a single loop goroutine owning all state.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/notify"
	"github.com/killvxk/netsnoop/internal/engine"
	"github.com/killvxk/netsnoop/internal/sockopt"
)

// Agent is one measurement agent. Construct with New, set the callbacks,
// then Run. Callbacks fire on the loop goroutine.
type Agent struct {
	serverAddr string

	ctrl   *net.TCPConn
	events chan any

	cmd  command.Measurement
	recv engine.Receiver

	// data is the current data channel: a connected UDP socket for
	// unicast, a group-joined packet socket for multicast.
	data    net.PacketConn
	dataUDP *net.UDPConn

	// earlyIllegal counts datagrams that arrived before a command was in
	// place; they are folded into the next report as illegal packets.
	earlyIllegal int64

	OnConnected func(remote string)
	OnStopped   func(command.Command, *command.NetStat)
}

// New creates an agent that will connect to the coordinator at addr
// ("ip:port").
func New(addr string) *Agent {
	return &Agent{
		serverAddr: addr,
		events:     make(chan any, 256),
	}
}

type lineEvent struct{ line string }

type errEvent struct{ err error }

type dataEvent struct {
	pkt  []byte
	when time.Time
}

// Run connects to the coordinator and serves commands until the control
// connection drops or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", a.serverAddr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.serverAddr, err)
	}
	a.ctrl = conn.(*net.TCPConn)
	defer a.ctrl.Close()
	defer a.closeData()
	if a.OnConnected != nil {
		a.OnConnected(a.serverAddr)
	}

	go a.readControl()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			switch e := ev.(type) {
			case lineEvent:
				if err := a.handleLine(e.line, time.Now()); err != nil {
					return err
				}
			case errEvent:
				if e.err == io.EOF {
					return nil
				}
				return e.err
			case dataEvent:
				a.handleDatagram(e.pkt, e.when)
			}
		}
	}
}

func (a *Agent) handleLine(line string, now time.Time) error {
	cmd, err := command.Parse(line)
	if err != nil {
		return fmt.Errorf("bad control line %q: %w", line, err)
	}
	switch c := cmd.(type) {
	case *command.ModeCommand:
		return a.setupData(c)
	case *command.EchoCommand, *command.SendCommand:
		return a.startCommand(cmd.(command.Measurement), now)
	case *command.StopCommand:
		a.finish(now)
		return nil
	default:
		log.Printf("unexpected command %q", c.Name())
		return nil
	}
}

// setupData opens the data channel announced by a mode line. Any previous
// data channel is torn down first.
func (a *Agent) setupData(mode *command.ModeCommand) error {
	a.closeData()
	switch mode.Mode {
	case command.ModeUDP:
		laddr := a.ctrl.LocalAddr().(*net.TCPAddr)
		raddr := a.ctrl.RemoteAddr().(*net.TCPAddr)
		conn, err := sockopt.DialUDP(
			&net.UDPAddr{IP: laddr.IP, Port: laddr.Port},
			&net.UDPAddr{IP: raddr.IP, Port: mode.Port},
		)
		if err != nil {
			return fmt.Errorf("data socket: %w", err)
		}
		a.data = conn
		a.dataUDP = conn
	case command.ModeMulticast:
		conn, err := sockopt.ListenPacket("udp4", fmt.Sprintf(":%d", mode.Port))
		if err != nil {
			return fmt.Errorf("multicast socket: %w", err)
		}
		group := net.ParseIP(notify.DataGroup)
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(a.multicastInterface(), &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return fmt.Errorf("join %s: %w", group, err)
		}
		a.data = conn
		a.dataUDP = nil
	default:
		return fmt.Errorf("mode: unsupported channel")
	}
	go a.readData(a.data)
	return nil
}

// multicastInterface picks the interface the control connection runs on,
// falling back to the system default when it cannot be identified.
func (a *Agent) multicastInterface() *net.Interface {
	local := a.ctrl.LocalAddr().(*net.TCPAddr).IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.Equal(local) {
				return &ifaces[i]
			}
		}
	}
	return nil
}

func (a *Agent) startCommand(m command.Measurement, now time.Time) error {
	if a.cmd != nil {
		// One command at a time; a second one means the coordinator lost
		// track, so drop the stale run and take the new one.
		log.Printf("command %q superseded by %q", a.cmd.Name(), m.Name())
		a.cmd, a.recv = nil, nil
	}
	var w io.Writer
	if a.dataUDP != nil {
		w = a.dataUDP
	}
	recv, err := engine.NewReceiver(m, w)
	if err != nil {
		return err
	}
	a.cmd = m
	a.recv = recv
	recv.Start(now)
	ack := &command.AckCommand{Token: m.MeasureToken()}
	return a.writeLine(ack.Line())
}

func (a *Agent) handleDatagram(pkt []byte, now time.Time) {
	if a.recv == nil {
		// Data ahead of the command: stale by definition.
		a.earlyIllegal++
		return
	}
	if err := a.recv.HandleDatagram(pkt, now); err != nil {
		log.Printf("data recv: %v", err)
		return
	}
	if err := a.recv.Writable(now); err != nil {
		log.Printf("data send: %v", err)
	}
}

// finish reports the measurement's statistics and returns to idle.
func (a *Agent) finish(now time.Time) {
	if a.cmd == nil {
		log.Printf("stop without a running command")
		return
	}
	stat := a.recv.Result(now)
	stat.IllegalPackets += a.earlyIllegal
	a.earlyIllegal = 0
	result := &command.ResultCommand{Stat: stat}
	if err := a.writeLine(result.Line()); err != nil {
		log.Printf("result send: %v", err)
	}
	if a.OnStopped != nil {
		a.OnStopped(a.cmd, stat)
	}
	a.cmd, a.recv = nil, nil
	a.closeData()
}

func (a *Agent) writeLine(line string) error {
	a.ctrl.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := fmt.Fprintf(a.ctrl, "%s\n", line)
	return err
}

// closeData tears down the data channel. The reader goroutine drains on
// the read error; datagrams it already queued are screened out by the
// token check of whatever command runs next.
func (a *Agent) closeData() {
	if a.data != nil {
		a.data.Close()
		a.data = nil
		a.dataUDP = nil
	}
}

// readControl pumps control lines into the event channel.
func (a *Agent) readControl() {
	sc := bufio.NewScanner(a.ctrl)
	sc.Buffer(make([]byte, 2048), 2048)
	for sc.Scan() {
		a.events <- lineEvent{line: sc.Text()}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	a.events <- errEvent{err: err}
}

// readData pumps datagrams into the event channel until the data socket is
// closed.
func (a *Agent) readData(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		a.events <- dataEvent{pkt: pkt, when: time.Now()}
	}
}
