package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/discovery"
	"github.com/ryandielhenn/tickcast/internal/config"
	"github.com/ryandielhenn/tickcast/internal/logging"
	"github.com/ryandielhenn/tickcast/internal/records"
	"github.com/ryandielhenn/tickcast/pkg/client"
	"github.com/ryandielhenn/tickcast/pkg/game"
	"github.com/ryandielhenn/tickcast/pkg/reliable"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Resolve configuration and logging
	if err := config.LoadDotEnv(""); err != nil {
		return err
	}
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("name", cfg.Name))

	policy, err := reliable.ParsePolicy(cfg.EventPolicy)
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

	// 2. Find the server
	addr := cfg.ServerAddr
	if addr == "" {
		addr, err = discover(ctx, cfg)
		if err != nil {
			return err
		}
		log.Info("discovered server", zap.String("addr", addr))
	}

	// 3. Build the client
	opts := []client.Option{client.WithLogger(log)}
	if cfg.RecordsDir != "" {
		opts = append(opts, client.WithRecorder(func(id uint32) (records.SnapshotRecorder, error) {
			return records.CreateSnapshots(cfg.RecordsDir, id)
		}))
	}
	c, err := client.Dial(addr, client.Config{
		Name:            cfg.Name,
		InitTimeout:     cfg.InitTimeout,
		InitRetries:     cfg.InitRetries,
		EventRTO:        cfg.EventRTO,
		MaxEventRetries: cfg.MaxEventRetries,
		EventPolicy:     policy,
		MaxQueuedEvents: cfg.MaxQueuedEvents,
		Smoothing:       cfg.Smoothing,
		RenderInterval:  cfg.RenderInterval,
	}, opts...)
	if err != nil {
		return err
	}

	// 4. Fire a critical event periodically once joined
	if cfg.EventInterval > 0 {
		go emitEvents(ctx, c, cfg.EventInterval, log)
	}

	// 5. Run until the duration elapses or we are interrupted
	err = c.Run(ctx)
	st := c.Stats()
	log.Info("client finished",
		zap.Uint32("client_id", st.ClientID),
		zap.Uint64("accepted", st.Accepted),
		zap.Uint64("lost", st.Lost),
		zap.Uint64("events_acked", st.EventsAcked),
		zap.Uint64("events_failed", st.EventsFailed))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// stopped before the join completed
		return fmt.Errorf("not joined before shutdown: %w", err)
	}
	return err
}

func discover(ctx context.Context, cfg config.Client) (string, error) {
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return "", fmt.Errorf("etcd client: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return discovery.LookupServer(ctx, cli, cfg.ServerID, cfg.Name)
}

// emitEvents alternates pings with small steering nudges. Outcomes are
// logged as they resolve; a slow acknowledgement never delays the next send.
func emitEvents(ctx context.Context, c *client.Client, every time.Duration, log *zap.Logger) {
	select {
	case <-c.Joined():
	case <-c.Done():
		return
	case <-ctx.Done():
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(every)
	defer t.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-t.C:
		}

		payload := game.PingEvent()
		if n%2 == 1 {
			payload = game.MoveEvent(int8(rng.Intn(3)-1), int8(rng.Intn(3)-1))
		}
		d, err := c.SendEvent(payload)
		if err != nil {
			log.Debug("event not submitted", zap.Error(err))
			continue
		}
		go func() {
			err := d.Wait(ctx)
			switch {
			case errors.Is(err, reliable.ErrStopped), ctx.Err() != nil:
				return
			case err != nil:
				log.Warn("critical event failed", zap.Uint32("seq", d.Seq), zap.Error(err))
				return
			}
			log.Debug("critical event acknowledged", zap.Uint32("seq", d.Seq), zap.Int("transmissions", d.Transmissions()))
		}()
	}
}
