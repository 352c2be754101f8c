package client

import (
	"slices"

	"github.com/ryandielhenn/tickcast/internal/records"
	"github.com/ryandielhenn/tickcast/pkg/wire"
)

// DefaultSmoothing is the fraction of the remaining distance covered per
// smoothing step.
const DefaultSmoothing = 0.35

type Position struct {
	X, Y float64
}

type track struct {
	target Position // last reported by the server
	shown  Position
}

// DisplayState is what the client renders: per entity, the raw position of
// the newest accepted snapshot and a smoothed position that chases it.
type DisplayState struct {
	alpha      float64
	snapshotID uint32
	tracks     map[uint32]*track
}

func NewDisplayState(alpha float64) *DisplayState {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothing
	}
	return &DisplayState{alpha: alpha, tracks: make(map[uint32]*track)}
}

// Apply replaces the targets with the entities of an accepted snapshot and
// takes one smoothing step. Entities seen for the first time snap to their
// position; entities missing from the snapshot are dropped.
func (d *DisplayState) Apply(snapshotID uint32, ents []wire.Entity) {
	d.snapshotID = snapshotID
	seen := make(map[uint32]struct{}, len(ents))
	for _, e := range ents {
		seen[e.ID] = struct{}{}
		p := Position{X: float64(e.X), Y: float64(e.Y)}
		tr, ok := d.tracks[e.ID]
		if !ok {
			d.tracks[e.ID] = &track{target: p, shown: p}
			continue
		}
		tr.target = p
		d.step(tr)
	}
	for id := range d.tracks {
		if _, ok := seen[id]; !ok {
			delete(d.tracks, id)
		}
	}
}

// Advance takes one smoothing step for every entity. It runs on the render
// ticker between snapshots.
func (d *DisplayState) Advance() {
	for _, tr := range d.tracks {
		d.step(tr)
	}
}

func (d *DisplayState) step(tr *track) {
	tr.shown.X += d.alpha * (tr.target.X - tr.shown.X)
	tr.shown.Y += d.alpha * (tr.target.Y - tr.shown.Y)
}

// SnapshotID is the id of the snapshot the targets come from.
func (d *DisplayState) SnapshotID() uint32 { return d.snapshotID }

func (d *DisplayState) Shown(id uint32) (Position, bool) {
	tr, ok := d.tracks[id]
	if !ok {
		return Position{}, false
	}
	return tr.shown, true
}

func (d *DisplayState) Target(id uint32) (Position, bool) {
	tr, ok := d.tracks[id]
	if !ok {
		return Position{}, false
	}
	return tr.target, true
}

func (d *DisplayState) Len() int { return len(d.tracks) }

// Rows lists the shown positions ordered by entity id.
func (d *DisplayState) Rows() []records.Displayed {
	out := make([]records.Displayed, 0, len(d.tracks))
	for id, tr := range d.tracks {
		out = append(out, records.Displayed{ID: id, X: tr.shown.X, Y: tr.shown.Y})
	}
	slices.SortFunc(out, func(a, b records.Displayed) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (d *DisplayState) copyShown() map[uint32]Position {
	out := make(map[uint32]Position, len(d.tracks))
	for id, tr := range d.tracks {
		out[id] = tr.shown
	}
	return out
}
