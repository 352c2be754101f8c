package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/tickcast/internal/logging"
	"github.com/ryandielhenn/tickcast/pkg/client"
	"github.com/ryandielhenn/tickcast/pkg/game"
	"github.com/ryandielhenn/tickcast/pkg/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7777", "server address")
	n := flag.Int("n", 16, "clients")
	dur := flag.Duration("d", 10*time.Second, "run time per client")
	loss := flag.Float64("loss", 0, "client->server loss probability (INIT and EVENT datagrams)")
	dup := flag.Float64("dup", 0, "client->server duplicate probability")
	rloss := flag.Float64("rloss", 0, "server->client loss probability (snapshots and ACKs)")
	every := flag.Duration("event", 500*time.Millisecond, "critical event interval")
	rto := flag.Duration("rto", 120*time.Millisecond, "event retransmission timeout")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, err := logging.New(*level, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *dur)
	defer cancel()

	type result struct {
		stats     client.Stats
		joined    bool
		droppedTx int
		droppedRx int
		err       error
	}
	results := make([]result, *n)
	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, server, err := transport.Dial(*addr)
			if err != nil {
				results[i].err = err
				return
			}
			cfg := client.DefaultConfig()
			cfg.Name = fmt.Sprintf("bench-%d", i)
			cfg.EventRTO = *rto
			lossy := transport.NewImpaired(conn, transport.Impairment{
				Loss:        *loss,
				Duplicate:   *dup,
				InboundLoss: *rloss,
			}, int64(i)+1)
			c := client.New(lossy, server, cfg, client.WithLogger(log.With(zap.Int("bench", i))))

			go func() {
				select {
				case <-c.Joined():
				case <-ctx.Done():
					return
				}
				t := time.NewTicker(*every)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						_, _ = c.SendEvent(game.PingEvent())
					}
				}
			}()

			err = c.Run(ctx)
			results[i] = result{
				stats:     c.Stats(),
				joined:    c.ID() != 0,
				droppedTx: lossy.Dropped(),
				droppedRx: lossy.DroppedInbound(),
				err:       err,
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var joined, accepted, lost, acked, failed uint64
	var droppedTx, droppedRx int
	for i, r := range results {
		if r.err != nil && !r.joined {
			fmt.Fprintf(os.Stderr, "client %d: %v\n", i, r.err)
		}
		if r.joined {
			joined++
		}
		accepted += r.stats.Accepted
		lost += r.stats.Lost
		acked += r.stats.EventsAcked
		failed += r.stats.EventsFailed
		droppedTx += r.droppedTx
		droppedRx += r.droppedRx
	}
	lossPct := 0.0
	if accepted+lost > 0 {
		lossPct = 100 * float64(lost) / float64(accepted+lost)
	}
	fmt.Printf("%d/%d clients joined in %s\n", joined, *n, elapsed.Round(time.Millisecond))
	fmt.Printf("injected: %d client->server datagrams dropped (-loss), %d server->client dropped (-rloss)\n", droppedTx, droppedRx)
	// snapshot loss only reflects -rloss plus real network loss
	fmt.Printf("snapshots: %d accepted, %d lost (%.2f%%)\n", accepted, lost, lossPct)
	fmt.Printf("events: %d acked, %d failed\n", acked, failed)
}
