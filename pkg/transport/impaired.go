package transport

import (
	"math/rand"
	"net"
	"sync"
)

// Impairment describes what happens to datagrams crossing the socket.
type Impairment struct {
	Loss      float64 // probability an outgoing datagram is dropped
	Duplicate float64 // probability a surviving outgoing datagram is sent twice

	// InboundLoss is the probability a received datagram is discarded
	// before ReadFrom returns it.
	InboundLoss float64

	// Drop, if set, is consulted for every datagram before Loss.
	Drop func(b []byte, to net.Addr) bool
}

// Impaired wraps a PacketConn and degrades its traffic. Dropped writes still
// report success, the way a lossy network would; dropped reads are skipped
// and ReadFrom waits for the next datagram within the same deadline.
type Impaired struct {
	net.PacketConn

	mu      sync.Mutex
	imp     Impairment
	rng       *rand.Rand
	dropped   int
	droppedIn int
}

func NewImpaired(conn net.PacketConn, imp Impairment, seed int64) *Impaired {
	return &Impaired{PacketConn: conn, imp: imp, rng: rand.New(rand.NewSource(seed))}
}

func (c *Impaired) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	drop := (c.imp.Drop != nil && c.imp.Drop(b, addr)) ||
		(c.imp.Loss > 0 && c.rng.Float64() < c.imp.Loss)
	dup := !drop && c.imp.Duplicate > 0 && c.rng.Float64() < c.imp.Duplicate
	if drop {
		c.dropped++
	}
	c.mu.Unlock()

	if drop {
		return len(b), nil
	}
	n, err := c.PacketConn.WriteTo(b, addr)
	if err == nil && dup {
		_, _ = c.PacketConn.WriteTo(b, addr)
	}
	return n, err
}

// Dropped is the number of writes swallowed so far.
func (c *Impaired) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Impaired) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(b)
		if err != nil || c.imp.InboundLoss <= 0 {
			return n, addr, err
		}
		c.mu.Lock()
		drop := c.rng.Float64() < c.imp.InboundLoss
		if drop {
			c.droppedIn++
		}
		c.mu.Unlock()
		if !drop {
			return n, addr, nil
		}
	}
}

// DroppedInbound is the number of received datagrams discarded so far.
func (c *Impaired) DroppedInbound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedIn
}
