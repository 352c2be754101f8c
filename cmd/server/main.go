package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/discovery"
	"github.com/ryandielhenn/tickcast/internal/admin"
	"github.com/ryandielhenn/tickcast/internal/config"
	"github.com/ryandielhenn/tickcast/internal/logging"
	"github.com/ryandielhenn/tickcast/internal/records"
	"github.com/ryandielhenn/tickcast/internal/telemetry"
	"github.com/ryandielhenn/tickcast/pkg/server"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Resolve configuration and logging
	if err := config.LoadDotEnv(""); err != nil {
		return err
	}
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("server_id", cfg.ServerID))
	telemetry.SetBuildInfo(version, gitSHA)

	policy, err := server.ParseInitPolicy(cfg.InitPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	// 2. Tick sinks: CSV records and the spectator hub
	var sinks records.Ticks
	if cfg.RecordsDir != "" {
		csv, err := records.CreateTicks(cfg.RecordsDir)
		if err != nil {
			return fmt.Errorf("open records: %w", err)
		}
		defer csv.Close()
		sinks = append(sinks, csv)
		log.Info("recording ticks", zap.String("dir", cfg.RecordsDir))
	}
	var hub *admin.Hub
	if cfg.AdminAddr != "" {
		hub = admin.NewHub(log.Named("spectate"))
		sinks = append(sinks, hub)
	}

	// 3. Bind the game socket. Failing here is fatal.
	opts := []server.Option{server.WithLogger(log)}
	if len(sinks) > 0 {
		opts = append(opts, server.WithTickRecorder(sinks))
	}
	srv, err := server.Listen(cfg.ListenAddr, server.Config{
		TickInterval: cfg.TickInterval,
		MaxClients:   cfg.MaxClients,
		InitPolicy:   policy,
		ArenaSize:    cfg.ArenaSize,
		Seed:         cfg.Seed,
	}, opts...)
	if err != nil {
		return err
	}
	udpAddr := srv.Addr().String()

	// 4. Admin HTTP endpoints
	if cfg.AdminAddr != "" {
		a := admin.New(cfg.ServerID, udpAddr, srv, hub)
		adminDone := make(chan struct{})
		go func() {
			defer close(adminDone)
			if err := admin.Serve(ctx, cfg.AdminAddr, a.Handler(), log); err != nil {
				log.Error("admin server failed", zap.Error(err))
			}
			// Shutdown leaves hijacked websocket connections open
			hub.Close()
		}()
		defer func() {
			stop()
			<-adminDone
		}()
	}

	// 5. Register with etcd so clients can find us
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("registering with etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			srv.Close()
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()

		regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		leaseID, keepAlive, err := discovery.RegisterServer(regCtx, cli, cfg.ServerID, advertise(udpAddr, cfg.AdvertiseHost), 10)
		cancel()
		if err != nil {
			srv.Close()
			return fmt.Errorf("register: %w", err)
		}
		defer func() {
			keepAlive()
			revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := discovery.Deregister(revokeCtx, cli, leaseID); err != nil {
				log.Warn("deregister failed", zap.Error(err))
			}
		}()
	}

	// 6. Serve until interrupted or the run duration elapses
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st := srv.Stats()
	log.Info("server stopped", zap.Int("sessions", st.Sessions), zap.Uint64("ticks", st.Tick))
	return nil
}

// advertise swaps the bound host for one clients can reach.
func advertise(addr, host string) string {
	if host == "" {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, port)
}
