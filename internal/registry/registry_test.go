package registry

import (
	"context"
	"testing"
	"time"

	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/storage"
	"pkt.systems/syncstore/internal/storage/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := memory.NewWithConfig(memory.Config{Now: clk.Now})
	reg := New(backend, nil, clk, 30*time.Second)
	return reg, backend, clk
}

func TestTouchAndActiveClients(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	if err := reg.Touch(ctx, "c2"); err != nil {
		t.Fatalf("touch c2: %v", err)
	}
	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch c1: %v", err)
	}
	active, err := reg.ActiveClients(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 || active[0] != "c1" || active[1] != "c2" {
		t.Fatalf("unexpected active set %v", active)
	}
}

func TestTouchRequiresClientID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if err := reg.Touch(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank client id")
	}
}

func TestStaleClientsEvictedOnRead(t *testing.T) {
	ctx := context.Background()
	reg, backend, clk := newTestRegistry(t)

	if err := reg.Touch(ctx, "old"); err != nil {
		t.Fatalf("touch old: %v", err)
	}
	clk.Advance(20 * time.Second)
	if err := reg.Touch(ctx, "fresh"); err != nil {
		t.Fatalf("touch fresh: %v", err)
	}
	clk.Advance(15 * time.Second) // "old" is now 35s stale, past the 30s timeout

	active, err := reg.ActiveClients(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0] != "fresh" {
		t.Fatalf("unexpected active set %v", active)
	}
	// Lazy eviction removed the stale record from the store.
	if _, err := backend.Get(ctx, storage.NamespaceSys, "clients/old"); err != storage.ErrNotFound {
		t.Fatalf("expected stale entry evicted, got %v", err)
	}
}

func TestTouchRevivesClient(t *testing.T) {
	ctx := context.Background()
	reg, _, clk := newTestRegistry(t)

	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clk.Advance(29 * time.Second)
	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("re-touch: %v", err)
	}
	clk.Advance(29 * time.Second)

	active, err := reg.ActiveClients(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0] != "c1" {
		t.Fatalf("expected c1 still active, got %v", active)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := reg.Remove(ctx, "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	active, err := reg.ActiveClients(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected empty active set, got %v", active)
	}
	// Removing an unknown client is not an error.
	if err := reg.Remove(ctx, "c1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}
