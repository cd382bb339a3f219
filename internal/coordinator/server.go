package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/net/ipv4"

	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/engine"
	"github.com/killvxk/netsnoop/internal/notify"
)

// DataGroup is the multicast group measurement traffic is sent to. Agents
// join it on the coordinator's data port when a multicast send runs.
const DataGroup = notify.DataGroup

// ctrlWriteTimeout bounds control-line writes so a stalled agent cannot
// stall the loop.
const ctrlWriteTimeout = time.Second

// idleWait is the timer horizon used when no peer has a pending deadline.
const idleWait = time.Hour

// queued is one console command travelling to the event loop together with
// its completion callback.
type queued struct {
	cmd  command.Command
	done func(command.Command, *command.NetStat)
}

// commandRun tracks one console command across all peers it was dispatched
// to, accumulating their per-peer statistics into an aggregate.
type commandRun struct {
	cmd     command.Command
	done    func(command.Command, *command.NetStat)
	pending int
	peers   int64
	failed  int64
	agg     command.NetStat
}

// multicastRun is the shared transmit side of a multicast send: one socket,
// one engine, however many peers. Only the coordinator writes to the group.
type multicastRun struct {
	conn    *net.UDPConn
	sender  engine.Sender
	started bool
}

// Server is the coordinator process core. Construct with NewServer, set the
// callbacks, then Run. Callbacks fire on the event-loop goroutine.
type Server struct {
	addr string

	ln       net.Listener
	dataPort int

	commands chan *queued
	conns    chan *net.TCPConn
	events   chan any

	peers []*Peer
	run   *commandRun
	mc    *multicastRun

	peerCount atomic.Int32

	// OnPeerConnected and OnPeerDisconnected observe the peer set.
	OnPeerConnected    func(*Peer)
	OnPeerDisconnected func(*Peer)
	// OnPeerStopped fires once per peer per command; stat is nil when the
	// peer failed or timed out.
	OnPeerStopped func(*Peer, *command.NetStat)
}

// NewServer creates a coordinator that will listen on addr ("ip:port").
func NewServer(addr string) *Server {
	return &Server{
		addr:     addr,
		commands: make(chan *queued, 16),
		conns:    make(chan *net.TCPConn, 4),
		events:   make(chan any, 256),
	}
}

// PushCommand queues a parsed command for dispatch to every connected peer.
// done fires on the loop goroutine when all peers reported (or failed);
// the aggregate is nil when no peer could run the command.
func (s *Server) PushCommand(cmd command.Command, done func(command.Command, *command.NetStat)) {
	s.commands <- &queued{cmd: cmd, done: done}
}

// PeerCount reports the number of connected agents. Safe from any
// goroutine; the console uses it for the "peers N" script command.
func (s *Server) PeerCount() int { return int(s.peerCount.Load()) }

// Addr returns the bound control address once Run has started listening.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the control listener. Run calls it implicitly; tests call it
// first to learn the ephemeral port.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.dataPort = ln.Addr().(*net.TCPAddr).Port
	log.Printf("listen on %s", ln.Addr())
	return nil
}

// Run executes the event loop until ctx is cancelled. It owns all peers:
// every state transition below happens on this goroutine.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	go s.acceptLoop()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	defer s.shutdown()

	for {
		s.armTimer(timer, time.Now())
		select {
		case <-ctx.Done():
			return nil
		case q := <-s.commands:
			s.dispatch(q)
		case c := <-s.conns:
			s.addPeer(c)
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-timer.C:
		}
		s.advance(time.Now())
	}
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns <- c.(*net.TCPConn)
	}
}

func (s *Server) shutdown() {
	s.ln.Close()
	for _, p := range slices.Clone(s.peers) {
		s.removePeer(p, fmt.Errorf("coordinator shutdown"))
	}
}

// armTimer points the loop timer at the earliest pending deadline.
func (s *Server) armTimer(timer *time.Timer, now time.Time) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := s.nextDeadline()
	if d.IsZero() {
		timer.Reset(idleWait)
		return
	}
	wait := d.Sub(now)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (s *Server) nextDeadline() time.Time {
	var min time.Time
	earlier := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if min.IsZero() || t.Before(min) {
			min = t
		}
	}
	for _, p := range s.peers {
		earlier(p.deadline)
		if p.state == StateRunning && p.mc == nil && p.sender != nil {
			earlier(p.sender.Deadline())
		}
	}
	if s.mc != nil && s.mc.started {
		earlier(s.mc.sender.Deadline())
	}
	return min
}

// advance delivers an elapsed-time tick to the shared multicast engine and
// every peer, firing timers and draining due work.
func (s *Server) advance(now time.Time) {
	if s.mc != nil && s.mc.started && !s.mc.sender.Finished() {
		if err := s.mc.sender.Tick(now); err != nil {
			log.Printf("multicast send failed: %v", err)
			for _, p := range slices.Clone(s.peers) {
				if p.mc == s.mc {
					p.fail(fmt.Errorf("multicast send: %w", err))
				}
			}
		}
	}
	for _, p := range slices.Clone(s.peers) {
		p.advance(now)
	}
}

func (s *Server) handleEvent(ev any) {
	switch e := ev.(type) {
	case lineEvent:
		if s.hasPeer(e.p) {
			e.p.handleLine(e.line, time.Now())
		}
	case errEvent:
		if s.hasPeer(e.p) {
			s.removePeer(e.p, e.err)
		}
	case dataEvent:
		if s.hasPeer(e.p) {
			e.p.handleDatagram(e.pkt, e.when)
		}
	}
}

func (s *Server) hasPeer(p *Peer) bool {
	return slices.Index(s.peers, p) >= 0
}

func (s *Server) addPeer(c *net.TCPConn) {
	p := newPeer(s, c)
	s.peers = append(s.peers, p)
	s.peerCount.Store(int32(len(s.peers)))
	go p.readControl()
	log.Printf("peer connected: %s", p.Cookie())
	if s.OnPeerConnected != nil {
		s.OnPeerConnected(p)
	}
}

// removePeer disconnects a peer after a transport error or shutdown. An
// in-flight command on the peer is accounted as a failed report first.
func (s *Server) removePeer(p *Peer, err error) {
	i := slices.Index(s.peers, p)
	if i < 0 {
		return
	}
	s.peers = slices.Delete(s.peers, i, i+1)
	s.peerCount.Store(int32(len(s.peers)))
	if p.cmd != nil {
		p.cleanupCommand()
		s.reportStopped(p, nil)
	}
	p.ctrl.Close()
	log.Printf("peer disconnected: %s (%v)", p.Cookie(), err)
	if s.OnPeerDisconnected != nil {
		s.OnPeerDisconnected(p)
	}
}

// dispatch starts one console command on every idle peer.
func (s *Server) dispatch(q *queued) {
	if s.run != nil {
		// The console blocks per command, so an overlapping run means the
		// console logic broke; refuse rather than corrupt aggregation.
		log.Printf("refusing %q: a command is still running", q.cmd.Name())
		q.done(q.cmd, nil)
		return
	}
	run := &commandRun{cmd: q.cmd, done: q.done}
	s.run = run
	for _, p := range slices.Clone(s.peers) {
		if err := p.SetCommand(q.cmd, time.Now()); err != nil {
			log.Printf("peer %s refused command: %v", p.Cookie(), err)
			continue
		}
		run.pending++
	}
	run.peers = int64(run.pending)
	if run.pending == 0 {
		s.run = nil
		q.done(q.cmd, nil)
	}
}

// reportStopped surfaces one peer's completion and folds it into the
// current run's aggregate.
func (s *Server) reportStopped(p *Peer, stat *command.NetStat) {
	if s.OnPeerStopped != nil {
		s.OnPeerStopped(p, stat)
	}
	run := s.run
	if run == nil {
		return
	}
	if stat != nil {
		run.agg.Add(stat)
	} else {
		run.failed++
	}
	run.pending--
	if run.pending > 0 {
		return
	}
	run.agg.PeersCount = run.peers
	run.agg.PeersFailed = run.failed
	s.run = nil
	s.teardownMulticast()
	run.done(run.cmd, &run.agg)
}

// ensureMulticast lazily creates the shared multicast socket and engine
// for the current multicast send command.
func (s *Server) ensureMulticast(cmd *command.SendCommand) (*multicastRun, error) {
	if s.mc != nil {
		return s.mc, nil
	}
	group := &net.UDPAddr{IP: net.ParseIP(DataGroup), Port: s.dataPort}
	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("multicast socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(16); err != nil {
		log.Printf("multicast ttl: %v", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Printf("multicast loopback: %v", err)
	}
	s.mc = &multicastRun{conn: conn, sender: engine.NewSendSender(cmd, conn)}
	return s.mc, nil
}

func (s *Server) teardownMulticast() {
	if s.mc == nil {
		return
	}
	s.mc.conn.Close()
	s.mc = nil
}

// Event values produced by the reader goroutines.
type lineEvent struct {
	p    *Peer
	line string
}

type errEvent struct {
	p   *Peer
	err error
}

type dataEvent struct {
	p    *Peer
	pkt  []byte
	when time.Time
}
