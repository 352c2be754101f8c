// Package transport holds the UDP plumbing shared by the server and client
// engines. Engines talk to a net.PacketConn so tests can substitute the
// in-process Impaired wrapper or a fake.
package transport

import (
	"errors"
	"net"
	"strings"
	"time"
)

// DefaultPort is used when an address has no port.
const DefaultPort = "7777"

// MaxDatagram is the receive buffer size. Anything larger than the wire
// format allows is truncated by the kernel and rejected by the codec.
const MaxDatagram = 2048

// NormalizeHostPort cuts a udp:// prefix from addr and adds defPort if
// addr has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "udp://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

// Listen binds a UDP socket on addr.
func Listen(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", NormalizeHostPort(addr, DefaultPort))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// Dial resolves the server address and binds an ephemeral local socket. The
// socket is unconnected so the same ReadFrom/WriteTo paths serve both ends.
func Dial(server string) (*net.UDPConn, *net.UDPAddr, error) {
	ua, err := net.ResolveUDPAddr("udp", NormalizeHostPort(server, DefaultPort))
	if err != nil {
		return nil, nil, err
	}
	local := &net.UDPAddr{}
	if ua.IP.To4() != nil {
		local.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, nil, err
	}
	return conn, ua, nil
}

// IsTimeout reports whether err is a read deadline expiring.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err comes from using a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// ReadDeadline is the deadline for one bounded read starting at now.
func ReadDeadline(now time.Time, wait time.Duration) time.Time {
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return now.Add(wait)
}
