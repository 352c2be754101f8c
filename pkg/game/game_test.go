package game

import "testing"

func TestSpawnInsideArena(t *testing.T) {
	a := NewArena(20, 1)
	for i := 0; i < 100; i++ {
		av := a.Spawn()
		if av.X < 0 || av.X >= 20 || av.Y < 0 || av.Y >= 20 {
			t.Fatalf("spawned at (%v,%v), outside 20x20", av.X, av.Y)
		}
	}
}

func TestRandomWalkStaysOnGrid(t *testing.T) {
	a := NewArena(20, 7)
	av := a.Spawn()
	for i := 0; i < 1000; i++ {
		px, py := av.X, av.Y
		a.Step(av)
		if av.X < 0 || av.X >= 20 || av.Y < 0 || av.Y >= 20 {
			t.Fatalf("step %d left the grid: (%v,%v)", i, av.X, av.Y)
		}
		if d := wrapDist(px, av.X, 20); d > 1 {
			t.Fatalf("step %d moved x by %v", i, d)
		}
		if d := wrapDist(py, av.Y, 20); d > 1 {
			t.Fatalf("step %d moved y by %v", i, d)
		}
	}
}

func wrapDist(a, b, size float32) float32 {
	d := a - b
	if d < 0 {
		d = -d
	}
	if size-d < d {
		return size - d
	}
	return d
}

func TestMoveActionSteers(t *testing.T) {
	a := NewArena(20, 1)
	av := &Avatar{X: 19, Y: 0}
	if !a.Apply(av, MoveEvent(1, -1)) {
		t.Fatalf("Apply(move) = false")
	}
	a.Step(av)
	if av.X != 0 || av.Y != 19 {
		t.Fatalf("after step = (%v,%v), want wrapped (0,19)", av.X, av.Y)
	}
	// applying the same action twice changes nothing more
	a.Apply(av, MoveEvent(1, -1))
	if av.DX != 1 || av.DY != -1 || !av.Steering {
		t.Fatalf("steering = %v (%d,%d)", av.Steering, av.DX, av.DY)
	}
}

func TestTeleportAndPing(t *testing.T) {
	a := NewArena(20, 1)
	av := &Avatar{}
	if !a.Apply(av, TeleportEvent(25, -3)) {
		t.Fatalf("Apply(teleport) = false")
	}
	if av.X != 5 || av.Y != 17 {
		t.Fatalf("teleport = (%v,%v), want (5,17)", av.X, av.Y)
	}
	if !a.Apply(av, PingEvent()) {
		t.Fatalf("Apply(ping) = false")
	}
	if av.X != 5 || av.Y != 17 || av.Steering {
		t.Fatalf("ping changed the avatar: %+v", av)
	}
}

func TestParseActionRejects(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0},
		{byte(ActionMove), 1},
		{byte(ActionTeleport), 0, 0},
		{99, 1, 2},
	} {
		if _, ok := ParseAction(b); ok {
			t.Fatalf("ParseAction(% x) ok, want rejected", b)
		}
	}
	av := &Avatar{X: 3, Y: 4}
	if NewArena(20, 1).Apply(av, []byte{42}) {
		t.Fatalf("Apply(unknown) = true")
	}
	if av.X != 3 || av.Y != 4 {
		t.Fatalf("unknown action mutated avatar")
	}
}
