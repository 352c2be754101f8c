package client

import (
	"math"
	"testing"

	"github.com/ryandielhenn/tickcast/pkg/wire"
)

func TestDisplayFirstSightSnaps(t *testing.T) {
	d := NewDisplayState(0.5)
	d.Apply(1, []wire.Entity{{ID: 1, X: 4, Y: 8}})
	if p, _ := d.Shown(1); p != (Position{4, 8}) {
		t.Fatalf("Shown = %+v, want {4 8}", p)
	}
}

func TestDisplaySmoothsTowardTarget(t *testing.T) {
	d := NewDisplayState(0.5)
	d.Apply(1, []wire.Entity{{ID: 1, X: 0, Y: 0}})
	d.Apply(2, []wire.Entity{{ID: 1, X: 10, Y: -4}})

	if p, _ := d.Target(1); p != (Position{10, -4}) {
		t.Fatalf("Target = %+v, want {10 -4}", p)
	}
	if p, _ := d.Shown(1); p != (Position{5, -2}) {
		t.Fatalf("Shown after one step = %+v, want {5 -2}", p)
	}

	for i := 0; i < 40; i++ {
		d.Advance()
	}
	p, _ := d.Shown(1)
	if math.Abs(p.X-10) > 1e-6 || math.Abs(p.Y+4) > 1e-6 {
		t.Fatalf("Shown after Advance = %+v, want ~{10 -4}", p)
	}
}

func TestDisplayDropsVanishedEntities(t *testing.T) {
	d := NewDisplayState(DefaultSmoothing)
	d.Apply(1, []wire.Entity{{ID: 1}, {ID: 2}})
	d.Apply(2, []wire.Entity{{ID: 2, X: 1}})
	if _, ok := d.Shown(1); ok {
		t.Fatalf("entity 1 still shown")
	}
	if d.Len() != 1 || d.SnapshotID() != 2 {
		t.Fatalf("Len=%d SnapshotID=%d, want 1, 2", d.Len(), d.SnapshotID())
	}
}

func TestDisplayRowsSorted(t *testing.T) {
	d := NewDisplayState(1)
	d.Apply(1, []wire.Entity{{ID: 9}, {ID: 3}, {ID: 5}})
	rows := d.Rows()
	if len(rows) != 3 || rows[0].ID != 3 || rows[1].ID != 5 || rows[2].ID != 9 {
		t.Fatalf("Rows = %+v", rows)
	}
}

func TestDisplayInvalidAlphaFallsBack(t *testing.T) {
	for _, a := range []float64{0, -1, 1.5} {
		if d := NewDisplayState(a); d.alpha != DefaultSmoothing {
			t.Fatalf("alpha(%v) = %v, want %v", a, d.alpha, DefaultSmoothing)
		}
	}
}
