// Package notify implements coordinator discovery: a coordinator
// periodically multicasts its bind address as ASCII and agents can listen
// for it instead of being configured with one.
package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/killvxk/netsnoop/internal/sockopt"
)

// DataGroup is the multicast group measurement traffic runs on.
const DataGroup = "239.3.3.3"

// beaconGroup carries the discovery beacon.
const beaconGroup = "239.3.3.4"

// BeaconPort is the UDP port of the discovery beacon.
const BeaconPort = 4001

// beaconInterval is the beacon cadence.
const beaconInterval = 3 * time.Second

// Beacon periodically announces a coordinator's bind IP on the discovery
// group. Start it on its own goroutine; Stop shuts it down and waits.
type Beacon struct {
	payload string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBeacon creates a beacon announcing ip (the coordinator's bind IP).
func NewBeacon(ip string) *Beacon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Beacon{payload: ip, ctx: ctx, cancel: cancel}
}

// Start sends the beacon every three seconds until the context (or the
// beacon's own Stop) cancels it. Blocks; run it on a goroutine.
func (b *Beacon) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = b.ctx
	}
	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", beaconGroup, BeaconPort))
	if err != nil {
		return fmt.Errorf("beacon socket: %w", err)
	}
	defer conn.Close()

	b.wg.Add(1)
	defer b.wg.Done()

	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	log.Printf("beacon announcing %s on %s:%d", b.payload, beaconGroup, BeaconPort)

	for {
		if _, err := conn.Write([]byte(b.payload)); err != nil {
			log.Printf("beacon send: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		case <-b.ctx.Done():
			return nil
		}
	}
}

// Stop cancels the beacon and waits for Start to return.
func (b *Beacon) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Discover listens on the discovery group for one beacon and returns the
// announced coordinator IP. It honours the context's deadline.
func Discover(ctx context.Context) (string, error) {
	conn, err := sockopt.ListenPacket("udp4", fmt.Sprintf(":%d", BeaconPort))
	if err != nil {
		return "", fmt.Errorf("discovery socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: net.ParseIP(beaconGroup)}); err != nil {
		return "", fmt.Errorf("join %s: %w", beaconGroup, err)
	}
	if d, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(d)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(buf[:n]))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("bad beacon payload %q", ip)
	}
	return ip, nil
}
