package discovery

import (
	"errors"
	"fmt"
	"testing"
)

func TestServerKeyRoundTrip(t *testing.T) {
	key := ServerKey("eu-1")
	if key != "/tickcast/servers/eu-1" {
		t.Fatalf("key = %q", key)
	}
	if id := serverID(key); id != "eu-1" {
		t.Fatalf("serverID = %q", id)
	}
	for _, k := range []string{"/other/nodes/a", "/tickcast/servers/a/b", "eu-1"} {
		if id := serverID(k); id != "" {
			t.Errorf("serverID(%q) = %q, want empty", k, id)
		}
	}
}

func TestPick(t *testing.T) {
	servers := map[string]string{"b": "10.0.0.2:7777", "a": "10.0.0.1:7777"}

	if addr, err := pick(servers, "b", ""); err != nil || addr != "10.0.0.2:7777" {
		t.Fatalf("pick b = %q, %v", addr, err)
	}
	addr, err := pick(servers, "", "player1")
	if err != nil || (addr != "10.0.0.1:7777" && addr != "10.0.0.2:7777") {
		t.Fatalf("pick by name = %q, %v", addr, err)
	}
	if again, _ := pick(servers, "", "player1"); again != addr {
		t.Fatalf("pick not stable: %q then %q", addr, again)
	}
	if _, err := pick(servers, "c", ""); !errors.Is(err, ErrNoServer) {
		t.Fatalf("pick missing = %v", err)
	}
	if _, err := pick(nil, "", "player1"); !errors.Is(err, ErrNoServer) {
		t.Fatalf("pick empty = %v", err)
	}
}

func TestPlacementSpreadsAndIsStable(t *testing.T) {
	servers := map[string]string{}
	for i := 0; i < 4; i++ {
		servers[fmt.Sprintf("s%d", i)] = fmt.Sprintf("10.0.0.%d:7777", i)
	}
	p := NewPlacement(servers, 0)
	if p.Len() != 4 {
		t.Fatalf("Len = %d", p.Len())
	}

	counts := map[string]int{}
	owner := map[string]string{}
	for i := 0; i < 2000; i++ {
		name := fmt.Sprintf("player-%d", i)
		id, addr, ok := p.Pick(name)
		if !ok || servers[id] != addr {
			t.Fatalf("Pick(%s) = %q %q %v", name, id, addr, ok)
		}
		counts[id]++
		owner[name] = id
	}
	for id := range servers {
		// 64 virtual points each keeps every server well above a tenth
		if counts[id] < 200 {
			t.Errorf("server %s got %d of 2000 names", id, counts[id])
		}
	}

	// dropping one server only moves the names it owned
	delete(servers, "s3")
	q := NewPlacement(servers, 0)
	for name, was := range owner {
		now, _, _ := q.Pick(name)
		if was != "s3" && now != was {
			t.Fatalf("%s moved from %s to %s", name, was, now)
		}
	}

	if _, _, ok := NewPlacement(nil, 0).Pick("x"); ok {
		t.Fatalf("empty placement picked a server")
	}
}
