// Package client is the receiving end of the snapshot stream and the
// sending end of critical events.
//
// A Client joins with an INIT/ACK handshake, then counts lost snapshots from
// gaps in the snapshot id sequence, smooths entity positions for display and
// delivers critical events through a stop-and-wait reliable.Sender. One
// goroutine reads the socket; a second owns every piece of mutable state and
// performs every write.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/internal/records"
	"github.com/ryandielhenn/tickcast/internal/telemetry"
	"github.com/ryandielhenn/tickcast/pkg/reliable"
	"github.com/ryandielhenn/tickcast/pkg/transport"
	"github.com/ryandielhenn/tickcast/pkg/wire"
)

var (
	// ErrJoinFailed is fatal: the server never acknowledged INIT.
	ErrJoinFailed = errors.New("client: join failed")
	ErrNotJoined  = errors.New("client: not joined")
	ErrStopped    = reliable.ErrStopped
)

type State int32

const (
	StateJoining State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	Name string

	InitTimeout time.Duration
	InitRetries int

	EventRTO        time.Duration
	MaxEventRetries int
	EventPolicy     reliable.Policy
	MaxQueuedEvents int

	Smoothing      float64
	RenderInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitTimeout:     500 * time.Millisecond,
		InitRetries:     5,
		EventRTO:        120 * time.Millisecond,
		MaxEventRetries: 4,
		EventPolicy:     reliable.PolicyQueue,
		MaxQueuedEvents: 64,
		Smoothing:       DefaultSmoothing,
		RenderInterval:  16 * time.Millisecond,
	}
}

// RecorderFactory opens the snapshot recorder once the client id is known.
type RecorderFactory func(clientID uint32) (records.SnapshotRecorder, error)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithRecorder(f RecorderFactory) Option {
	return func(c *Client) { c.newRec = f }
}

// Stats is a copy of the client's counters.
type Stats struct {
	State          State
	ClientID       uint32
	Accepted       uint64
	Discarded      uint64
	Lost           uint64
	LastSnapshotID uint32
	EventsAcked    uint64
	EventsFailed   uint64
}

type datagram struct {
	msg wire.Message
	at  time.Time
}

type eventReq struct {
	payload []byte
	reply   chan eventResp
}

type eventResp struct {
	d   *reliable.Delivery
	err error
}

const readWait = 100 * time.Millisecond

type Client struct {
	conn   net.PacketConn
	server net.Addr
	cfg    Config
	log    *zap.Logger
	newRec RecorderFactory

	inbox  chan datagram
	cmds   chan eventReq
	joined chan struct{}
	done   chan struct{}

	state atomic.Int32
	id    atomic.Uint32

	// owned by the Run goroutine
	rec      records.SnapshotRecorder
	sender   *reliable.Sender
	haveSnap bool

	mu      sync.Mutex // guards display and stats for readers
	display *DisplayState
	stats   Stats

	closeOnce sync.Once
	closeErr  error
}

// Dial binds an ephemeral socket for talking to server.
func Dial(server string, cfg Config, opts ...Option) (*Client, error) {
	conn, addr, err := transport.Dial(server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	return New(conn, addr, cfg, opts...), nil
}

// New wraps an existing socket. The client takes ownership of conn.
func New(conn net.PacketConn, server net.Addr, cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if cfg.InitRetries < 0 {
		cfg.InitRetries = 0
	}
	if cfg.EventRTO <= 0 {
		cfg.EventRTO = def.EventRTO
	}
	if cfg.MaxEventRetries < 0 {
		cfg.MaxEventRetries = 0
	}
	if cfg.RenderInterval <= 0 {
		cfg.RenderInterval = def.RenderInterval
	}

	c := &Client{
		conn:    conn,
		server:  server,
		cfg:     cfg,
		log:     zap.NewNop(),
		inbox:   make(chan datagram, 256),
		cmds:    make(chan eventReq),
		joined:  make(chan struct{}),
		done:    make(chan struct{}),
		rec:     records.Nop{},
		display: NewDisplayState(cfg.Smoothing),
	}
	c.sender = reliable.NewSender(reliable.Config{
		RTO:        cfg.EventRTO,
		MaxRetries: cfg.MaxEventRetries,
		Policy:     cfg.EventPolicy,
		MaxQueue:   cfg.MaxQueuedEvents,
	}, c.transmitEvent)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

// ID is the server-assigned client id, 0 until joined.
func (c *Client) ID() uint32 { return c.id.Load() }

// Joined is closed when the client becomes active.
func (c *Client) Joined() <-chan struct{} { return c.joined }

// Done is closed once Run has returned and the socket is released.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.State = c.State()
	st.ClientID = c.ID()
	return st
}

// Display returns the smoothed positions currently shown.
func (c *Client) Display() map[uint32]Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display.copyShown()
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// SendEvent queues payload for reliable delivery. The returned Delivery
// resolves with nil on acknowledgement, reliable.ErrDeliveryFailed once the
// retry budget is spent, or ErrStopped on shutdown.
func (c *Client) SendEvent(payload []byte) (*reliable.Delivery, error) {
	switch c.State() {
	case StateJoining:
		return nil, ErrNotJoined
	case StateStopped:
		return nil, ErrStopped
	}
	req := eventReq{payload: payload, reply: make(chan eventResp, 1)}
	select {
	case c.cmds <- req:
	case <-c.done:
		return nil, ErrStopped
	}
	r := <-req.reply
	return r.d, r.err
}

// Run joins the server and then serves until ctx ends. It returns an error
// wrapping ErrJoinFailed if the join budget runs out, ctx.Err() if ctx ends
// before joining, and nil after an orderly shutdown. Pending events are
// abandoned with ErrStopped and the socket is closed before Run returns.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(ctx)
	}()
	defer func() {
		c.stop()
		cancel()
		c.Close()
		wg.Wait()
		close(c.done)
	}()

	if err := c.join(ctx); err != nil {
		return err
	}
	c.active(ctx)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	buf := make([]byte, transport.MaxDatagram)
	for ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(transport.ReadDeadline(time.Now(), readWait))
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if transport.IsClosed(err) || ctx.Err() != nil {
				return
			}
			c.log.Warn("read failed", zap.Error(err))
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			telemetry.DecodeErrors.WithLabelValues("client", wire.Reason(err)).Inc()
			c.log.Debug("dropping malformed datagram", zap.Error(err))
			continue
		}

		select {
		case c.inbox <- datagram{msg: msg, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) join(ctx context.Context) error {
	var seq uint32
	for attempt := 0; ; attempt++ {
		seq++
		if err := c.send(wire.Message{Type: wire.TypeInit, Seq: seq, Payload: []byte(c.cfg.Name)}); err != nil {
			c.log.Warn("init send failed", zap.Uint32("seq", seq), zap.Error(err))
		}

		if id, ok, err := c.awaitInitAck(ctx, seq); err != nil {
			return err
		} else if ok {
			c.activate(id)
			return nil
		}

		if attempt >= c.cfg.InitRetries {
			c.log.Error("join failed", zap.Stringer("server", c.server), zap.Int("attempts", attempt+1))
			return fmt.Errorf("%w: no ACK from %s after %d INITs", ErrJoinFailed, c.server, attempt+1)
		}
		c.log.Debug("init timed out", zap.Uint32("seq", seq))
	}
}

// awaitInitAck waits one InitTimeout for an ACK of any INIT sent so far.
// Only seq 1 starts a join; the server answers every later INIT of the same
// join with the id it already assigned, under either init policy, so a late
// ACK of an earlier attempt is as good as a fresh one.
func (c *Client) awaitInitAck(ctx context.Context, lastSeq uint32) (uint32, bool, error) {
	timer := time.NewTimer(c.cfg.InitTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case req := <-c.cmds:
			req.reply <- eventResp{err: ErrNotJoined}
		case d := <-c.inbox:
			m := d.msg
			if m.Type == wire.TypeAck && m.AckedType == wire.TypeInit &&
				m.AckedSeq >= 1 && m.AckedSeq <= lastSeq && m.SenderID != 0 {
				return m.SenderID, true, nil
			}
		case <-timer.C:
			return 0, false, nil
		}
	}
}

func (c *Client) activate(id uint32) {
	c.id.Store(id)
	c.state.Store(int32(StateActive))
	close(c.joined)

	if c.newRec != nil {
		rec, err := c.newRec(id)
		if err != nil {
			c.log.Warn("snapshot recorder unavailable", zap.Error(err))
		} else {
			c.rec = rec
		}
	}
	c.log.Info("joined", zap.Uint32("client_id", id), zap.Stringer("server", c.server))
}

func (c *Client) active(ctx context.Context) {
	render := time.NewTicker(c.cfg.RenderInterval)
	defer render.Stop()
	retry := time.NewTimer(time.Hour)
	defer retry.Stop()

	for {
		var retryC <-chan time.Time
		if dl, ok := c.sender.NextDeadline(); ok {
			resetTimer(retry, time.Until(dl))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			return
		case d := <-c.inbox:
			c.handle(d.msg, d.at)
		case req := <-c.cmds:
			del, err := c.sender.Submit(req.payload, time.Now())
			req.reply <- eventResp{d: del, err: err}
		case <-retryC:
			c.expire(time.Now())
		case <-render.C:
			c.mu.Lock()
			c.display.Advance()
			c.mu.Unlock()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (c *Client) stop() {
	c.state.Store(int32(StateStopped))
	c.sender.Abandon(ErrStopped)
	if cl, ok := c.rec.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			c.log.Warn("close snapshot recorder", zap.Error(err))
		}
	}
	st := c.Stats()
	c.log.Info("client stopped",
		zap.Uint32("client_id", st.ClientID),
		zap.Uint64("accepted", st.Accepted),
		zap.Uint64("lost", st.Lost),
		zap.Uint64("discarded", st.Discarded),
		zap.Uint64("events_acked", st.EventsAcked),
		zap.Uint64("events_failed", st.EventsFailed))
}

func (c *Client) handle(msg wire.Message, at time.Time) {
	telemetry.DatagramsReceived.WithLabelValues("client", msg.Type.String()).Inc()

	switch msg.Type {
	case wire.TypeSnapshot:
		c.ingest(msg, at)
	case wire.TypeAck:
		if msg.AckedType == wire.TypeEvent {
			c.eventAcked(msg.AckedSeq, at)
		}
	case wire.TypeInit, wire.TypeEvent, wire.TypeHeartbeat:
	}
}

// ingest accepts a snapshot only if its id is above every id accepted so
// far. The id gap to the previous one is counted as loss; nothing is ever
// requested again.
func (c *Client) ingest(msg wire.Message, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := msg.Seq
	if c.haveSnap && id <= c.stats.LastSnapshotID {
		c.stats.Discarded++
		telemetry.SnapshotsDiscarded.Inc()
		return
	}
	if c.haveSnap {
		gap := uint64(id - c.stats.LastSnapshotID - 1)
		c.stats.Lost += gap
		telemetry.SnapshotsLost.Add(float64(gap))
	}
	c.haveSnap = true
	c.stats.LastSnapshotID = id
	c.stats.Accepted++
	telemetry.SnapshotsAccepted.Inc()

	c.display.Apply(id, msg.Entities)

	if err := c.rec.RecordSnapshot(records.Snapshot{
		ReceivedAt: at,
		SnapshotID: id,
		Displayed:  c.display.Rows(),
		LostTotal:  c.stats.Lost,
	}); err != nil {
		c.log.Warn("record snapshot", zap.Uint32("snapshot_id", id), zap.Error(err))
	}
}

func (c *Client) eventAcked(seq uint32, now time.Time) {
	p, ok := c.sender.Ack(seq, now)
	if !ok {
		return
	}
	telemetry.EventOutcomes.WithLabelValues("acked").Inc()
	telemetry.EventLatency.Observe(now.Sub(p.SentAt).Seconds())
	c.mu.Lock()
	c.stats.EventsAcked++
	c.mu.Unlock()
	c.log.Debug("event acked", zap.Uint32("seq", seq), zap.Int("retransmissions", p.Attempts))
}

func (c *Client) expire(now time.Time) {
	p := c.sender.Expire(now)
	if p == nil {
		return
	}
	telemetry.EventOutcomes.WithLabelValues("failed").Inc()
	c.mu.Lock()
	c.stats.EventsFailed++
	c.mu.Unlock()
	c.log.Warn("event delivery failed", zap.Uint32("seq", p.Seq), zap.Int("transmissions", p.Attempts+1))
}

// transmitEvent is the reliable.Sender's wire. The same seq goes out on
// every retransmission.
func (c *Client) transmitEvent(p *reliable.Pending) error {
	kind := "first"
	if p.Attempts > 0 {
		kind = "retransmit"
	}
	telemetry.EventTransmissions.WithLabelValues(kind).Inc()
	err := c.send(wire.Message{Type: wire.TypeEvent, SenderID: c.ID(), Seq: p.Seq, Payload: p.Payload})
	if err != nil {
		c.log.Debug("event send failed", zap.Uint32("seq", p.Seq), zap.Error(err))
	}
	return err
}

func (c *Client) send(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(b, c.server); err != nil {
		telemetry.SendErrors.WithLabelValues("client", m.Type.String()).Inc()
		return err
	}
	return nil
}
