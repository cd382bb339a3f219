// Package sockopt creates the data-channel sockets. Both endpoints bind
// their UDP socket to the same local address as their control connection
// (SO_REUSEADDR and SO_REUSEPORT allow the overlap), so the data 4-tuple
// mirrors the control 4-tuple and no address exchange is needed in-band.
package sockopt

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func control(network, address string, c syscall.RawConn) error {
	var err error
	c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return err
}

var listenConfig = net.ListenConfig{Control: control}

// ListenPacket opens a packet socket with SO_REUSEADDR and SO_REUSEPORT
// set, allowing it to share a port with a live TCP listener or with other
// multicast receivers on the same host.
func ListenPacket(network, address string) (net.PacketConn, error) {
	return listenConfig.ListenPacket(context.Background(), network, address)
}

// DialUDP opens a connected UDP socket bound to laddr with the reuse
// options set. laddr is typically the local address of an established
// control connection.
func DialUDP(laddr, raddr *net.UDPAddr) (*net.UDPConn, error) {
	d := net.Dialer{
		Control:   control,
		LocalAddr: laddr,
	}
	c, err := d.Dial("udp", raddr.String())
	if err != nil {
		return nil, err
	}
	return c.(*net.UDPConn), nil
}
