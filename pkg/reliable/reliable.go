// Package reliable implements stop-and-wait delivery for critical events:
// send, wait up to an RTO for the acknowledgement, retransmit with the same
// sequence number up to a bounded number of times, else give up.
//
// A Sender is not safe for concurrent use. It is meant to be driven by the
// single goroutine that owns the socket, which calls Ack when an
// acknowledgement arrives and Expire whenever NextDeadline passes.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeliveryFailed = errors.New("reliable: no acknowledgement after max retries")
	ErrBusy           = errors.New("reliable: event already in flight")
	ErrQueueFull      = errors.New("reliable: event queue full")
	ErrStopped        = errors.New("reliable: sender stopped")
)

// Policy decides what Submit does while an event is in flight.
type Policy uint8

const (
	// PolicyQueue holds new events in FIFO order until the in-flight one
	// resolves.
	PolicyQueue Policy = iota
	// PolicyDropNew rejects new events with ErrBusy.
	PolicyDropNew
)

// ParsePolicy accepts "queue" (the default) or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "queue":
		return PolicyQueue, nil
	case "drop":
		return PolicyDropNew, nil
	}
	return 0, fmt.Errorf("unknown event policy %q", s)
}

// TransmitFunc puts one copy of p on the wire. Errors are treated as loss.
type TransmitFunc func(p *Pending) error

type Config struct {
	RTO        time.Duration
	MaxRetries int
	Policy     Policy
	MaxQueue   int // 0 means unbounded
}

// Pending is an event awaiting acknowledgement.
type Pending struct {
	Seq      uint32
	Payload  []byte
	Attempts int       // retransmissions made so far
	Deadline time.Time // next retransmit
	SentAt   time.Time // first transmission

	delivery *Delivery
}

// Delivery resolves once its event is acknowledged, abandoned after
// MaxRetries, or dropped because the sender stopped.
type Delivery struct {
	Seq uint32

	done     chan struct{}
	err      error
	attempts int
}

func newDelivery(seq uint32) *Delivery {
	return &Delivery{Seq: seq, done: make(chan struct{})}
}

func (d *Delivery) resolve(attempts int, err error) {
	d.attempts = attempts
	d.err = err
	close(d.done)
}

func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns nil for an acknowledged event. It must only be called after
// Done is closed.
func (d *Delivery) Err() error { return d.err }

// Transmissions is the number of copies sent, valid after Done is closed.
func (d *Delivery) Transmissions() int { return d.attempts + 1 }

// Wait blocks until the delivery resolves or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Sender struct {
	cfg      Config
	transmit TransmitFunc

	nextSeq  uint32
	inflight *Pending
	queue    []*Pending
	stopErr  error
}

func NewSender(cfg Config, transmit TransmitFunc) *Sender {
	return &Sender{cfg: cfg, transmit: transmit, nextSeq: 1}
}

// Submit allocates a fresh sequence number for payload and sends it now if
// nothing is in flight.
func (s *Sender) Submit(payload []byte, now time.Time) (*Delivery, error) {
	if s.stopErr != nil {
		return nil, s.stopErr
	}
	if s.inflight != nil {
		if s.cfg.Policy == PolicyDropNew {
			return nil, ErrBusy
		}
		if s.cfg.MaxQueue > 0 && len(s.queue) >= s.cfg.MaxQueue {
			return nil, ErrQueueFull
		}
	}

	p := &Pending{
		Seq:      s.nextSeq,
		Payload:  append([]byte(nil), payload...),
		delivery: newDelivery(s.nextSeq),
	}
	s.nextSeq++

	if s.inflight != nil {
		s.queue = append(s.queue, p)
		return p.delivery, nil
	}
	s.start(p, now)
	return p.delivery, nil
}

func (s *Sender) start(p *Pending, now time.Time) {
	s.inflight = p
	p.SentAt = now
	p.Deadline = now.Add(s.cfg.RTO)
	_ = s.transmit(p)
}

func (s *Sender) startNext(now time.Time) {
	s.inflight = nil
	if len(s.queue) == 0 {
		return
	}
	next := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.start(next, now)
}

// Ack resolves the in-flight event if seq matches it. Acks for anything
// else are stale duplicates and are ignored.
func (s *Sender) Ack(seq uint32, now time.Time) (*Pending, bool) {
	p := s.inflight
	if p == nil || p.Seq != seq {
		return nil, false
	}
	p.delivery.resolve(p.Attempts, nil)
	s.startNext(now)
	return p, true
}

// Expire retransmits or abandons the in-flight event once its deadline has
// passed. It returns the event it abandoned, if any.
func (s *Sender) Expire(now time.Time) (abandoned *Pending) {
	p := s.inflight
	if p == nil || now.Before(p.Deadline) {
		return nil
	}
	if p.Attempts < s.cfg.MaxRetries {
		p.Attempts++
		p.Deadline = now.Add(s.cfg.RTO)
		_ = s.transmit(p)
		return nil
	}
	p.delivery.resolve(p.Attempts, ErrDeliveryFailed)
	s.startNext(now)
	return p
}

// NextDeadline reports when Expire next needs to run.
func (s *Sender) NextDeadline() (time.Time, bool) {
	if s.inflight == nil {
		return time.Time{}, false
	}
	return s.inflight.Deadline, true
}

// InFlight returns the event awaiting acknowledgement, or nil.
func (s *Sender) InFlight() *Pending { return s.inflight }

// Queued is the number of events waiting behind the in-flight one.
func (s *Sender) Queued() int { return len(s.queue) }

// Abandon resolves every outstanding event with err and makes later Submits
// fail with err. Nothing is retransmitted afterwards.
func (s *Sender) Abandon(err error) {
	if err == nil {
		err = ErrStopped
	}
	s.stopErr = err
	if s.inflight != nil {
		s.inflight.delivery.resolve(s.inflight.Attempts, err)
		s.inflight = nil
	}
	for _, p := range s.queue {
		p.delivery.resolve(0, err)
	}
	s.queue = nil
}
