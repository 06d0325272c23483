package statsregistry

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	e := r.Register(&Entry{Kind: KindServer, PID: 42, SecretKey: 99, Addr: "shard0-primary:5432"})

	got, ok := r.Lookup(42, 99)
	if !ok || got != e {
		t.Fatalf("expected to find the registered entry, got %+v ok=%v", got, ok)
	}

	if _, ok := r.Lookup(42, 100); ok {
		t.Fatal("expected lookup with the wrong secret key to fail")
	}
	if _, ok := r.Lookup(7, 99); ok {
		t.Fatal("expected lookup for an unregistered PID to fail")
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Register(&Entry{Kind: KindClient, PID: 1, SecretKey: 1})
	r.Remove(1)

	if _, ok := r.Lookup(1, 1); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestSnapshotFiltersByKind(t *testing.T) {
	r := New()
	r.Register(&Entry{Kind: KindClient, PID: 1, SecretKey: 1, User: "alice"})
	r.Register(&Entry{Kind: KindServer, PID: 2, SecretKey: 2, Addr: "shard0:5432"})
	r.Register(&Entry{Kind: KindServer, PID: 3, SecretKey: 3, Addr: "shard1:5432"})

	clients := r.Snapshot(KindClient)
	if len(clients) != 1 || clients[0].User != "alice" {
		t.Fatalf("expected one client entry, got %+v", clients)
	}

	servers := r.Snapshot(KindServer)
	if len(servers) != 2 {
		t.Fatalf("expected two server entries, got %+v", servers)
	}

	if n := r.Len(KindServer); n != 2 {
		t.Fatalf("Len(KindServer) = %d, want 2", n)
	}
}

func TestIncrCountersVisibleInSnapshot(t *testing.T) {
	r := New()
	e := r.Register(&Entry{Kind: KindClient, PID: 5, SecretKey: 5})
	e.IncrQueries()
	e.IncrQueries()
	e.IncrBytes(128)

	snap := r.Snapshot(KindClient)[0]
	if snap.Queries != 2 || snap.Bytes != 128 {
		t.Fatalf("expected queries=2 bytes=128, got %+v", snap)
	}
}
