// Package main implements the netsnoop binary. One executable plays both
// roles of the measurement harness:
//
//	netsnoop -s <bind-ip> <port> [-v|-vv|-vvv]    start the coordinator
//	netsnoop -c <server-ip> <port> [-v|-vv|-vvv]  start an agent
//
// The coordinator reads measurement commands from stdin and fans them out
// to every connected agent:
//
//	ping count 10 interval 100        round-trip delay probe
//	send count 1000                   one-way unicast burst
//	send count 1000 multicast true    one-way multicast burst
//	send speed 500 time 3000          rate-driven unicast
//	peers 2                           wait for two agents
//	sleep 5                           pause the script
//
// EOF on stdin shuts the coordinator down cleanly.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/killvxk/netsnoop/internal/agent"
	"github.com/killvxk/netsnoop/internal/command"
	"github.com/killvxk/netsnoop/internal/coordinator"
	"github.com/killvxk/netsnoop/internal/notify"
)

const defaultPort = 4000

// logFatal is a variable so tests can intercept fatal exits.
var logFatal = log.Fatalf

func usage() {
	fmt.Print(`usage:
  netsnoop -s <local ip> 4000         (start coordinator)
  netsnoop -c <server ip> 4000        (start agent)
  --------
  commands:
  ping count 10                       (test delay)
  send count 1000                     (test unicast)
  send count 1000 multicast true      (test multicast)
  send speed 500 time 3000            (test unicast)
  peers 2                             (wait for 2 agents)
  sleep 5                             (pause 5 seconds)
`)
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" {
		usage()
		return
	}
	mode := os.Args[1]
	ip := "0.0.0.0"
	port := defaultPort
	if len(os.Args) > 2 {
		ip = os.Args[2]
	}
	if len(os.Args) > 3 {
		p, err := strconv.Atoi(os.Args[3])
		if err != nil || p <= 0 || p > 65535 {
			logFatal("bad port %q", os.Args[3])
		}
		port = p
	}
	verbosity := 0
	if len(os.Args) > 4 && strings.HasPrefix(os.Args[4], "-v") {
		verbosity = strings.Count(os.Args[4], "v")
	}
	if verbosity < 2 {
		// Quiet the internals; lifecycle messages go to the console prints.
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	switch mode {
	case "-s":
		runCoordinator(ip, addr)
	case "-c":
		if ip == "0.0.0.0" {
			// No coordinator address given: listen for its beacon.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			found, err := notify.Discover(ctx)
			cancel()
			if err != nil {
				logFatal("discover coordinator: %v", err)
			}
			fmt.Fprintf(os.Stderr, "discovered coordinator %s\n", found)
			addr = net.JoinHostPort(found, strconv.Itoa(port))
		}
		runAgent(addr)
	default:
		usage()
		os.Exit(1)
	}
}

func runCoordinator(ip, addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beacon := notify.NewBeacon(ip)
	go beacon.Start(ctx)
	defer beacon.Stop()

	srv := coordinator.NewServer(addr)
	srv.OnPeerConnected = func(p *coordinator.Peer) {
		fmt.Fprintf(os.Stderr, "peer connect(%d): %s\n", srv.PeerCount(), p.Cookie())
	}
	srv.OnPeerDisconnected = func(p *coordinator.Peer) {
		fmt.Fprintf(os.Stderr, "peer disconnect(%d): %s\n", srv.PeerCount(), p.Cookie())
	}
	srv.OnPeerStopped = func(p *coordinator.Peer, stat *command.NetStat) {
		result := "NULL"
		if stat != nil {
			result = stat.String()
		}
		fmt.Fprintf(os.Stderr, "peer stopped: (%s) || %s\n", p.Cookie(), result)
	}
	if err := srv.Listen(); err != nil {
		logFatal("%v", err)
	}
	go func() {
		if err := srv.Run(ctx); err != nil {
			logFatal("coordinator: %v", err)
		}
	}()

	console(srv)
}

// console reads operator commands from stdin until EOF and blocks on each
// measurement until every peer reported.
func console(srv *coordinator.Server) {
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("command:")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if n, ok := scriptArg(line, "peers"); ok {
			if n > 0 {
				fmt.Fprintf(os.Stderr, "wait %d peers.\n", n)
				for srv.PeerCount() < n {
					time.Sleep(time.Second)
				}
				fmt.Fprintf(os.Stderr, "connect %d peers.\n", n)
			}
			continue
		}
		if n, ok := scriptArg(line, "sleep"); ok {
			if n > 0 {
				fmt.Fprintf(os.Stderr, "sleep %d seconds.\n", n)
				time.Sleep(time.Duration(n) * time.Second)
			}
			continue
		}
		cmd, err := command.Parse(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "command %q is not supported: %v\n", line, err)
			continue
		}
		done := make(chan *command.NetStat, 1)
		srv.PushCommand(cmd, func(_ command.Command, stat *command.NetStat) {
			done <- stat
		})
		stat := <-done
		result := "NULL"
		if stat != nil {
			result = stat.String()
		}
		fmt.Printf("command finish: %s || %s\n", cmd.Line(), result)
		if stat != nil && stat.PeersCount-stat.PeersFailed > 1 {
			avg := *stat
			avg.Div(int(stat.PeersCount - stat.PeersFailed))
			fmt.Printf("command average: %s\n", avg.String())
		}
		fmt.Println()
	}
}

// scriptArg matches the console-local script commands "peers N" and
// "sleep N".
func scriptArg(line, name string) (int, bool) {
	rest, ok := strings.CutPrefix(line, name+" ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "command format error: %s\n", line)
		// Consumed but invalid; do not fall through to the registry.
		return 0, true
	}
	return n, true
}

func runAgent(addr string) {
	a := agent.New(addr)
	a.OnConnected = func(remote string) {
		fmt.Fprintf(os.Stderr, "connect to %s\n", remote)
	}
	a.OnStopped = func(cmd command.Command, stat *command.NetStat) {
		result := "NULL"
		if stat != nil {
			result = stat.String()
		}
		fmt.Printf("peer finish: %s || %s\n", cmd.Line(), result)
	}
	if err := a.Run(context.Background()); err != nil {
		logFatal("agent: %v", err)
	}
}
