package realtime

import "testing"

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	key := RoomKey(10)

	a1 := NewConn(nil, 1, key, Options{})
	a2 := NewConn(nil, 1, key, Options{})
	b := NewConn(nil, 2, key, Options{})
	other := NewConn(nil, 1, UserKey(1), Options{})

	for _, c := range []*Conn{a1, a2, b, other} {
		if id := r.Register(c); id != c.ID {
			t.Fatalf("Register returned %q, want %q", id, c.ID)
		}
	}

	if n := r.Count(key); n != 3 {
		t.Fatalf("room count = %d", n)
	}
	if got := r.PrincipalConnections(key, 1); len(got) != 2 {
		t.Fatalf("principal 1 has %d room connections", len(got))
	}

	snap := r.ConnectionsFor(key)
	if snap[0] != a1 || snap[1] != a2 || snap[2] != b {
		t.Fatal("snapshot not in registration order")
	}

	if !r.Unregister(a2.ID) {
		t.Fatal("unregister should report removal")
	}
	if r.Unregister(a2.ID) {
		t.Fatal("second unregister should be a no-op")
	}
	if len(snap) != 3 {
		t.Fatal("earlier snapshot was mutated")
	}
	if got := r.ConnectionsFor(key); len(got) != 2 || got[0] != a1 || got[1] != b {
		t.Fatalf("after unregister: %v", got)
	}

	r.Unregister(a1.ID)
	r.Unregister(b.ID)
	if r.Count(key) != 0 {
		t.Fatal("room should be empty")
	}
	if _, ok := r.Get(other.ID); !ok {
		t.Fatal("user channel connection lost")
	}
}

func TestChannelKeys(t *testing.T) {
	if RoomKey(5) != "room:5" || UserKey(42) != "user:42" {
		t.Fatalf("keys = %s %s", RoomKey(5), UserKey(42))
	}
}
