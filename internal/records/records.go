// Package records emits the per-tick and per-snapshot rows the offline
// metrics pipeline consumes. Rows are CSV with millisecond timestamps.
package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ryandielhenn/tickcast/pkg/wire"
)

// Tick is what the server produced on one tick.
type Tick struct {
	Time       time.Time     `json:"time"`
	Tick       uint64        `json:"tick"`
	SnapshotID uint32        `json:"snapshotId"`
	Entities   []wire.Entity `json:"entities"`
}

// Displayed is one entity's smoothed position on the client.
type Displayed struct {
	ID uint32  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Snapshot is what a client showed after accepting one snapshot.
type Snapshot struct {
	ReceivedAt time.Time
	SnapshotID uint32
	Displayed  []Displayed
	LostTotal  uint64
}

type TickRecorder interface {
	RecordTick(Tick) error
}

type SnapshotRecorder interface {
	RecordSnapshot(Snapshot) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTick(Tick) error         { return nil }
func (Nop) RecordSnapshot(Snapshot) error { return nil }

var (
	TickHeader     = []string{"timestamp_ms", "tick", "snapshot_id", "player_id", "x", "y"}
	SnapshotHeader = []string{"timestamp_ms", "snapshot_id", "player_id", "displayed_x", "displayed_y", "lost_snapshots_total"}
)

// CSV writes rows to an underlying writer, flushing after every record.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// NewCSV writes header and returns a recorder. If w is an io.Closer it is
// closed by Close.
func NewCSV(w io.Writer, header []string) (*CSV, error) {
	c := &CSV{w: csv.NewWriter(w)}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	if err := c.w.Write(header); err != nil {
		return nil, err
	}
	c.w.Flush()
	return c, c.w.Error()
}

// CreateTicks creates (or truncates) server_positions.csv in dir.
func CreateTicks(dir string) (*CSV, error) {
	return create(filepath.Join(dir, "server_positions.csv"), TickHeader)
}

// CreateSnapshots creates (or truncates) client_positions_<id>.csv in dir.
func CreateSnapshots(dir string, clientID uint32) (*CSV, error) {
	return create(filepath.Join(dir, fmt.Sprintf("client_positions_%d.csv", clientID)), SnapshotHeader)
}

func create(path string, header []string) (*CSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCSV(f, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *CSV) RecordTick(t Tick) error {
	ts := millis(t.Time)
	tick := strconv.FormatUint(t.Tick, 10)
	snap := strconv.FormatUint(uint64(t.SnapshotID), 10)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range t.Entities {
		if err := c.w.Write([]string{
			ts, tick, snap,
			strconv.FormatUint(uint64(e.ID), 10),
			strconv.FormatFloat(float64(e.X), 'f', -1, 32),
			strconv.FormatFloat(float64(e.Y), 'f', -1, 32),
		}); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) RecordSnapshot(s Snapshot) error {
	ts := millis(s.ReceivedAt)
	snap := strconv.FormatUint(uint64(s.SnapshotID), 10)
	lost := strconv.FormatUint(s.LostTotal, 10)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range s.Displayed {
		if err := c.w.Write([]string{
			ts, snap,
			strconv.FormatUint(uint64(d.ID), 10),
			strconv.FormatFloat(d.X, 'f', 4, 64),
			strconv.FormatFloat(d.Y, 'f', 4, 64),
			lost,
		}); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Ticks fans a tick out to several recorders. Every recorder sees the
// record; the first error is returned.
type Ticks []TickRecorder

func (ts Ticks) RecordTick(t Tick) error {
	var first error
	for _, r := range ts {
		if err := r.RecordTick(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
