// Package admin serves the server's HTTP side channel: liveness, a JSON
// status document, Prometheus metrics and a websocket spectator feed.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/internal/telemetry"
	"github.com/ryandielhenn/tickcast/pkg/server"
)

// StatsSource is satisfied by *server.Server.
type StatsSource interface {
	Stats() server.Stats
}

type Admin struct {
	id      string
	udpAddr string
	stats   StatsSource
	hub     *Hub
	started time.Time
}

// New builds the admin surface. hub may be nil, in which case /spectate is
// not mounted.
func New(id, udpAddr string, stats StatsSource, hub *Hub) *Admin {
	return &Admin{id: id, udpAddr: udpAddr, stats: stats, hub: hub, started: time.Now()}
}

// Healthz returns 200 OK while the process is up.
func (a *Admin) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type info struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Now        time.Time `json:"now"`
	UDPAddr    string    `json:"udpAddr"`
	Uptime     string    `json:"uptime"`
	Spectators int       `json:"spectators"`
	server.Stats
}

// Info writes the server's current counters as JSON.
func (a *Admin) Info(w http.ResponseWriter, _ *http.Request) {
	resp := info{
		ID:      a.id,
		PID:     os.Getpid(),
		Now:     time.Now(),
		UDPAddr: a.udpAddr,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
		Stats:   a.stats.Stats(),
	}
	if a.hub != nil {
		resp.Spectators = a.hub.Subscribers()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(a.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(a.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	if a.hub != nil {
		// the upgrade needs the raw ResponseWriter, so no Instrument here
		mux.Handle("/spectate", a.hub)
	}
	return mux
}

// Serve runs h on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("admin listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
