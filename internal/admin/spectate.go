package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/internal/records"
)

const (
	sendBuffer   = 16
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Frame is the JSON document pushed to spectators once per tick.
type Frame struct {
	Time       int64         `json:"t"`
	Tick       uint64        `json:"tick"`
	SnapshotID uint32        `json:"snapshotId"`
	Entities   []FrameEntity `json:"entities"`
}

type FrameEntity struct {
	ID uint32  `json:"id"`
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
}

type subscriber struct {
	send chan []byte
}

// Hub fans tick records out to websocket spectators. It is a
// records.TickRecorder, so the server feeds it from its own loop; a slow
// spectator loses frames rather than stalling the tick.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	latest []byte
	closed bool

	quit     chan struct{}
	handlers sync.WaitGroup
	dropped  atomic.Uint64
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			// read-only feed, any origin may watch
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
		quit: make(chan struct{}),
	}
}

var _ records.TickRecorder = (*Hub)(nil)

func (h *Hub) RecordTick(t records.Tick) error {
	f := Frame{
		Time:       t.Time.UnixMilli(),
		Tick:       t.Tick,
		SnapshotID: t.SnapshotID,
		Entities:   make([]FrameEntity, len(t.Entities)),
	}
	for i, e := range t.Entities {
		f.Entities[i] = FrameEntity{ID: e.ID, X: e.X, Y: e.Y}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts frames skipped because a spectator fell behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every spectator and refuses new ones. It returns once
// all spectator handlers have exited.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.quit)
	}
	h.mu.Unlock()
	h.handlers.Wait()
}

func (h *Hub) add() (*subscriber, bool) {
	s := &subscriber{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.handlers.Add(1)
	if h.latest != nil {
		s.send <- h.latest
	}
	h.subs[s] = struct{}{}
	return s, true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	h.handlers.Done()
}

// ServeHTTP upgrades the request and streams frames until either side goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("spectator upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s, ok := h.add()
	if !ok {
		goAway(conn)
		return
	}
	defer h.remove(s)
	h.log.Info("spectator joined", zap.String("remote", r.RemoteAddr))

	// spectators never send anything useful; reading keeps pongs and the
	// close handshake flowing
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case data := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("spectator write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			h.log.Info("spectator left", zap.String("remote", r.RemoteAddr))
			return
		case <-h.quit:
			goAway(conn)
			return
		}
	}
}

func goAway(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
