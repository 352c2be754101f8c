package reliable

import (
	"context"
	"errors"
	"testing"
	"time"
)

type wireLog struct {
	seqs  []uint32
	times []time.Time
	now   *time.Time
}

func (w *wireLog) transmit(p *Pending) error {
	w.seqs = append(w.seqs, p.Seq)
	w.times = append(w.times, *w.now)
	return nil
}

func newTestSender(cfg Config) (*Sender, *wireLog, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	w := &wireLog{now: &now}
	return NewSender(cfg, w.transmit), w, &now
}

func resolved(d *Delivery) bool {
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}

func TestAckResolvesDelivery(t *testing.T) {
	s, w, now := newTestSender(Config{RTO: 120 * time.Millisecond, MaxRetries: 4})

	d, err := s.Submit([]byte("jump"), *now)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.Seq != 1 || len(w.seqs) != 1 {
		t.Fatalf("seq=%d transmissions=%d, want 1,1", d.Seq, len(w.seqs))
	}

	if _, ok := s.Ack(2, *now); ok {
		t.Fatalf("Ack(2) matched in-flight seq 1")
	}
	if resolved(d) {
		t.Fatalf("delivery resolved by a mismatched ack")
	}
	if _, ok := s.Ack(1, *now); !ok {
		t.Fatalf("Ack(1) = false")
	}
	if !resolved(d) || d.Err() != nil {
		t.Fatalf("delivery err = %v resolved=%v, want nil,true", d.Err(), resolved(d))
	}
	if _, ok := s.NextDeadline(); ok {
		t.Fatalf("NextDeadline set with nothing in flight")
	}
}

// With a link that drops everything the sender makes exactly 1+MaxRetries
// transmissions, each at least RTO apart, then fails and stays quiet.
func TestBlackholeExhaustsRetries(t *testing.T) {
	const rto = 120 * time.Millisecond
	const maxRetries = 4
	s, w, now := newTestSender(Config{RTO: rto, MaxRetries: maxRetries})

	d, _ := s.Submit([]byte{1}, *now)

	var abandoned *Pending
	for i := 0; i < 100 && abandoned == nil; i++ {
		*now = now.Add(10 * time.Millisecond)
		abandoned = s.Expire(*now)
	}
	if abandoned == nil {
		t.Fatalf("event never abandoned")
	}
	if got := len(w.seqs); got != 1+maxRetries {
		t.Fatalf("transmissions = %d, want %d", got, 1+maxRetries)
	}
	for i, seq := range w.seqs {
		if seq != 1 {
			t.Fatalf("transmission %d used seq %d, want 1", i, seq)
		}
		if i > 0 && w.times[i].Sub(w.times[i-1]) < rto {
			t.Fatalf("transmissions %d and %d only %v apart", i-1, i, w.times[i].Sub(w.times[i-1]))
		}
	}
	if !errors.Is(d.Err(), ErrDeliveryFailed) {
		t.Fatalf("delivery err = %v, want ErrDeliveryFailed", d.Err())
	}
	if d.Transmissions() != 1+maxRetries {
		t.Fatalf("Transmissions() = %d, want %d", d.Transmissions(), 1+maxRetries)
	}

	for i := 0; i < 20; i++ {
		*now = now.Add(rto)
		s.Expire(*now)
	}
	if got := len(w.seqs); got != 1+maxRetries {
		t.Fatalf("transmissions after failure = %d, want %d", got, 1+maxRetries)
	}
}

func TestExpireBeforeDeadlineIsNoop(t *testing.T) {
	s, w, now := newTestSender(Config{RTO: 100 * time.Millisecond, MaxRetries: 2})
	s.Submit(nil, *now)

	s.Expire(now.Add(99 * time.Millisecond))
	if len(w.seqs) != 1 {
		t.Fatalf("retransmitted before RTO")
	}
	s.Expire(now.Add(100 * time.Millisecond))
	if len(w.seqs) != 2 {
		t.Fatalf("no retransmit at RTO")
	}
	if p := s.InFlight(); p.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", p.Attempts)
	}
}

func TestQueuePolicyIsFIFO(t *testing.T) {
	s, w, now := newTestSender(Config{RTO: time.Second, MaxRetries: 1, Policy: PolicyQueue})

	d1, _ := s.Submit([]byte("a"), *now)
	d2, _ := s.Submit([]byte("b"), *now)
	d3, _ := s.Submit([]byte("c"), *now)
	if len(w.seqs) != 1 {
		t.Fatalf("transmissions = %d, want 1 (one in flight)", len(w.seqs))
	}
	if s.Queued() != 2 {
		t.Fatalf("Queued = %d, want 2", s.Queued())
	}

	s.Ack(d1.Seq, *now)
	if got := w.seqs[len(w.seqs)-1]; got != d2.Seq {
		t.Fatalf("after ack sent seq %d, want %d", got, d2.Seq)
	}

	// d2 times out; d3 follows without waiting for anything else.
	*now = now.Add(time.Second)
	s.Expire(*now)
	*now = now.Add(time.Second)
	if p := s.Expire(*now); p == nil || p.Seq != d2.Seq {
		t.Fatalf("Expire abandoned %v, want seq %d", p, d2.Seq)
	}
	if got := w.seqs[len(w.seqs)-1]; got != d3.Seq {
		t.Fatalf("after failure sent seq %d, want %d", got, d3.Seq)
	}
	if !errors.Is(d2.Err(), ErrDeliveryFailed) {
		t.Fatalf("d2 err = %v", d2.Err())
	}
	want := []uint32{1, 2, 2, 3}
	for i := range want {
		if w.seqs[i] != want[i] {
			t.Fatalf("wire order = %v, want %v", w.seqs, want)
		}
	}
}

func TestDropNewPolicy(t *testing.T) {
	s, w, now := newTestSender(Config{RTO: time.Second, MaxRetries: 1, Policy: PolicyDropNew})

	d1, _ := s.Submit([]byte("a"), *now)
	if _, err := s.Submit([]byte("b"), *now); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit while busy err = %v, want ErrBusy", err)
	}
	s.Ack(d1.Seq, *now)
	d2, err := s.Submit([]byte("c"), *now)
	if err != nil {
		t.Fatalf("Submit after ack: %v", err)
	}
	// rejected submissions do not consume sequence numbers
	if d2.Seq != 2 || len(w.seqs) != 2 {
		t.Fatalf("seq=%d transmissions=%d, want 2,2", d2.Seq, len(w.seqs))
	}
}

func TestQueueBound(t *testing.T) {
	s, _, now := newTestSender(Config{RTO: time.Second, MaxQueue: 1})
	s.Submit(nil, *now)
	s.Submit(nil, *now)
	if _, err := s.Submit(nil, *now); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestAbandonResolvesEverything(t *testing.T) {
	s, w, now := newTestSender(Config{RTO: time.Second, MaxRetries: 3})
	d1, _ := s.Submit(nil, *now)
	d2, _ := s.Submit(nil, *now)

	s.Abandon(nil)
	for _, d := range []*Delivery{d1, d2} {
		if err := d.Wait(context.Background()); !errors.Is(err, ErrStopped) {
			t.Fatalf("seq %d err = %v, want ErrStopped", d.Seq, err)
		}
	}
	s.Expire(now.Add(time.Hour))
	if len(w.seqs) != 1 {
		t.Fatalf("transmitted after Abandon")
	}
	if _, err := s.Submit(nil, *now); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Abandon err = %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s, _, now := newTestSender(Config{RTO: time.Second})
	d, _ := s.Submit(nil, *now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyQueue, "queue": PolicyQueue, "drop": PolicyDropNew} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("lifo"); err == nil {
		t.Errorf("ParsePolicy(lifo) accepted")
	}
}
