// Package game holds the authoritative world the server simulates: one
// avatar per joined client moving on a wrap-around grid.
package game

import (
	"math"
	"math/rand"
)

// DefaultSize is the side of the square arena in cells.
const DefaultSize = 20

// Avatar is the server-side state needed to render one client.
type Avatar struct {
	X, Y float32

	// Steering is set once the client sent a move action. Until then the
	// avatar random-walks.
	Steering bool
	DX, DY   int8
}

type Arena struct {
	Size float32
	rng  *rand.Rand
}

func NewArena(size int, seed int64) *Arena {
	if size <= 0 {
		size = DefaultSize
	}
	return &Arena{Size: float32(size), rng: rand.New(rand.NewSource(seed))}
}

// Spawn places a new avatar on a random cell.
func (a *Arena) Spawn() *Avatar {
	n := int(a.Size)
	return &Avatar{X: float32(a.rng.Intn(n)), Y: float32(a.rng.Intn(n))}
}

// Step advances av by one tick.
func (a *Arena) Step(av *Avatar) {
	dx, dy := float32(av.DX), float32(av.DY)
	if !av.Steering {
		dx = float32(a.rng.Intn(3) - 1)
		dy = float32(a.rng.Intn(3) - 1)
	}
	av.X = a.wrap(av.X + dx)
	av.Y = a.wrap(av.Y + dy)
}

func (a *Arena) wrap(v float32) float32 {
	m := float32(math.Mod(float64(v), float64(a.Size)))
	if m < 0 {
		m += a.Size
	}
	if m >= a.Size {
		m = 0
	}
	return m
}

// Apply executes an event action against av. It reports false for payloads
// it does not understand; those are left alone.
func (a *Arena) Apply(av *Avatar, payload []byte) bool {
	act, ok := ParseAction(payload)
	if !ok {
		return false
	}
	switch act.Kind {
	case ActionMove:
		av.Steering = true
		av.DX, av.DY = act.DX, act.DY
	case ActionTeleport:
		av.X, av.Y = a.wrap(act.X), a.wrap(act.Y)
	case ActionPing:
	}
	return true
}
