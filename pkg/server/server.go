// Package server is the authoritative end of the protocol. It owns the UDP
// socket and the session table, answers INIT and EVENT datagrams with ACKs,
// and broadcasts a snapshot of the world on every tick.
//
// The server keeps no per-snapshot delivery state: snapshots are rebuilt
// from the current world each tick and never retried or buffered.
package server

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/internal/records"
	"github.com/ryandielhenn/tickcast/internal/telemetry"
	"github.com/ryandielhenn/tickcast/pkg/game"
	"github.com/ryandielhenn/tickcast/pkg/transport"
	"github.com/ryandielhenn/tickcast/pkg/wire"
)

// InitPolicy decides what a repeated INIT from a known address gets.
type InitPolicy uint8

const (
	// InitReuse answers with the id the address already holds.
	InitReuse InitPolicy = iota
	// InitReassign replaces the address's session with a fresh id when it
	// joins again from scratch (INIT seq 1). Retransmitted INITs of the
	// same join still get the id already held, so a late ACK of an earlier
	// attempt never names a replaced session.
	InitReassign
)

func ParseInitPolicy(s string) (InitPolicy, error) {
	switch s {
	case "", "reuse":
		return InitReuse, nil
	case "reassign":
		return InitReassign, nil
	}
	return 0, fmt.Errorf("unknown init policy %q", s)
}

type Config struct {
	TickInterval time.Duration
	// MaxClients is capped at wire.MaxEntities so a snapshot always fits
	// in one datagram.
	MaxClients int
	InitPolicy InitPolicy
	ArenaSize  int
	Seed       int64
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 50 * time.Millisecond,
		MaxClients:   64,
		InitPolicy:   InitReuse,
		ArenaSize:    game.DefaultSize,
		Seed:         time.Now().UnixNano(),
	}
}

// Session is the only per-client state the server keeps. It lives until the
// server stops.
type Session struct {
	ClientID uint32
	Addr     net.Addr
	Name     string
	JoinedAt time.Time
	Avatar   *game.Avatar
	Events   uint64 // actions applied
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTickRecorder receives one record per tick from the engine goroutine.
func WithTickRecorder(r records.TickRecorder) Option {
	return func(s *Server) { s.rec = r }
}

type datagram struct {
	from net.Addr
	msg  wire.Message
	at   time.Time
}

// Stats is a point-in-time view safe to read from any goroutine.
type Stats struct {
	Sessions   int    `json:"sessions"`
	Tick       uint64 `json:"tick"`
	SnapshotID uint32 `json:"snapshotId"`
}

type Server struct {
	conn  net.PacketConn
	cfg   Config
	log   *zap.Logger
	rec   records.TickRecorder
	arena *game.Arena
	inbox chan datagram

	// owned by the Run goroutine
	sessions   map[uint32]*Session
	byAddr     map[string]uint32
	nextID     uint32
	tick       uint64
	snapshotID uint32

	nSessions  atomic.Int64
	lastTick   atomic.Uint64
	lastSnapID atomic.Uint32

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr and returns a server ready to Run. A bind failure is
// returned as is; it is fatal for the caller.
func Listen(addr string, cfg Config, opts ...Option) (*Server, error) {
	conn, err := transport.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return New(conn, cfg, opts...), nil
}

// New wraps an existing socket. The server takes ownership of conn.
func New(conn net.PacketConn, cfg Config, opts ...Option) *Server {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxClients <= 0 || cfg.MaxClients > wire.MaxEntities {
		cfg.MaxClients = wire.MaxEntities
	}
	s := &Server{
		conn:     conn,
		cfg:      cfg,
		log:      zap.NewNop(),
		rec:      records.Nop{},
		arena:    game.NewArena(cfg.ArenaSize, cfg.Seed),
		inbox:    make(chan datagram, 256),
		sessions: make(map[uint32]*Session),
		byAddr:   make(map[string]uint32),
		nextID:   1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:   int(s.nSessions.Load()),
		Tick:       s.lastTick.Load(),
		SnapshotID: s.lastSnapID.Load(),
	}
}

// Close releases the socket. Run calls it on the way out.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// Run serves until ctx ends, then closes the socket and returns nil once the
// reader goroutine has exited.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()
	defer func() {
		cancel()
		s.Close()
		wg.Wait()
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("server running",
		zap.Stringer("addr", s.Addr()),
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Int("max_clients", s.cfg.MaxClients))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("server stopping", zap.Uint64("ticks", s.tick), zap.Int("sessions", len(s.sessions)))
			return nil
		case d := <-s.inbox:
			s.handle(d.from, d.msg, d.at)
		case now := <-ticker.C:
			s.step(now)
		}
	}
}

func (s *Server) readLoop(ctx context.Context) {
	buf := make([]byte, transport.MaxDatagram)
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(transport.ReadDeadline(time.Now(), s.cfg.TickInterval))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if transport.IsClosed(err) || ctx.Err() != nil {
				return
			}
			s.log.Warn("read failed", zap.Error(err))
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			telemetry.DecodeErrors.WithLabelValues("server", wire.Reason(err)).Inc()
			s.log.Debug("dropping malformed datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		select {
		case s.inbox <- datagram{from: from, msg: msg, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handle(from net.Addr, msg wire.Message, now time.Time) {
	telemetry.DatagramsReceived.WithLabelValues("server", msg.Type.String()).Inc()

	switch msg.Type {
	case wire.TypeInit:
		s.handleInit(from, msg, now)
	case wire.TypeEvent:
		s.handleEvent(from, msg)
	case wire.TypeSnapshot, wire.TypeAck, wire.TypeHeartbeat:
		// nothing flows this way that the server acts on
	}
}

func (s *Server) handleInit(from net.Addr, msg wire.Message, now time.Time) {
	key := from.String()
	if id, ok := s.byAddr[key]; ok {
		if s.cfg.InitPolicy == InitReuse || msg.Seq > 1 {
			s.log.Debug("repeated init", zap.Uint32("client_id", id), zap.Uint32("seq", msg.Seq), zap.Stringer("addr", from))
			s.ack(from, id, msg)
			return
		}
		delete(s.sessions, id)
		delete(s.byAddr, key)
		s.log.Info("session replaced", zap.Uint32("client_id", id), zap.Stringer("addr", from))
	}

	if len(s.sessions) >= s.cfg.MaxClients {
		telemetry.InitsRefused.Inc()
		s.log.Warn("server full, ignoring init", zap.Stringer("addr", from), zap.Int("sessions", len(s.sessions)))
		return
	}

	sess := &Session{
		ClientID: s.nextID,
		Addr:     from,
		Name:     string(msg.Payload),
		JoinedAt: now,
		Avatar:   s.arena.Spawn(),
	}
	s.nextID++
	s.sessions[sess.ClientID] = sess
	s.byAddr[key] = sess.ClientID
	s.nSessions.Store(int64(len(s.sessions)))
	telemetry.Sessions.Set(float64(len(s.sessions)))

	s.log.Info("client joined",
		zap.Uint32("client_id", sess.ClientID),
		zap.String("name", sess.Name),
		zap.Stringer("addr", from))
	s.ack(from, sess.ClientID, msg)
}

// handleEvent acknowledges every EVENT from a known client, duplicates
// included, and only then applies it. Retransmissions reuse their seq, so
// the ACK of a copy also settles the first transmission.
func (s *Server) handleEvent(from net.Addr, msg wire.Message) {
	sess, ok := s.sessions[msg.SenderID]
	if !ok {
		s.log.Debug("event from unknown client", zap.Uint32("sender_id", msg.SenderID), zap.Stringer("addr", from))
		return
	}
	s.ack(from, sess.ClientID, msg)

	if !s.arena.Apply(sess.Avatar, msg.Payload) {
		s.log.Debug("unrecognised action", zap.Uint32("client_id", sess.ClientID), zap.Binary("payload", msg.Payload))
		return
	}
	sess.Events++
}

func (s *Server) ack(to net.Addr, clientID uint32, msg wire.Message) {
	b, err := wire.Encode(wire.NewAck(clientID, msg))
	if err != nil {
		s.log.Error("encode ack", zap.Error(err))
		return
	}
	if err := s.send(to, clientID, b, wire.TypeAck); err != nil {
		s.log.Warn("ack send failed", zap.Uint32("client_id", clientID), zap.Stringer("acked", msg.Type), zap.Error(err))
		return
	}
	telemetry.AcksSent.WithLabelValues(msg.Type.String()).Inc()
}

func (s *Server) send(to net.Addr, clientID uint32, b []byte, t wire.Type) error {
	n, err := s.conn.WriteTo(b, to)
	if err != nil {
		telemetry.SendErrors.WithLabelValues("server", t.String()).Inc()
		return err
	}
	telemetry.BytesSent.WithLabelValues(telemetry.ClientLabel(clientID)).Add(float64(n))
	return nil
}

// step runs one tick: move every avatar, then send the same snapshot to
// every session. Each address is attempted independently; a failure is
// logged once and not retried.
func (s *Server) step(now time.Time) {
	start := time.Now()
	s.tick++
	s.snapshotID++

	ids := make([]uint32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	ents := make([]wire.Entity, 0, len(ids))
	for _, id := range ids {
		av := s.sessions[id].Avatar
		s.arena.Step(av)
		ents = append(ents, wire.Entity{ID: id, X: av.X, Y: av.Y})
	}

	b, err := wire.Encode(wire.Message{Type: wire.TypeSnapshot, Seq: s.snapshotID, Entities: ents})
	if err != nil {
		s.log.Error("encode snapshot", zap.Uint32("snapshot_id", s.snapshotID), zap.Error(err))
	} else {
		for _, id := range ids {
			sess := s.sessions[id]
			if err := s.send(sess.Addr, id, b, wire.TypeSnapshot); err != nil {
				s.log.Warn("snapshot send failed",
					zap.Uint32("client_id", id),
					zap.Uint32("snapshot_id", s.snapshotID),
					zap.Stringer("addr", sess.Addr),
					zap.Error(err))
				continue
			}
			telemetry.SnapshotsSent.Inc()
		}
	}

	if err := s.rec.RecordTick(records.Tick{Time: now, Tick: s.tick, SnapshotID: s.snapshotID, Entities: ents}); err != nil {
		s.log.Warn("record tick", zap.Uint64("tick", s.tick), zap.Error(err))
	}

	s.lastTick.Store(s.tick)
	s.lastSnapID.Store(s.snapshotID)
	telemetry.Ticks.Inc()
	telemetry.TickDuration.Observe(time.Since(start).Seconds())
}
