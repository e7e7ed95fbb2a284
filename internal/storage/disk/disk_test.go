package disk

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/syncstore/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	written, err := store.Put(ctx, storage.NamespaceDocuments, "users/alice", []byte(`{"name":"alice"}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, storage.NamespaceDocuments, "users/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != `{"name":"alice"}` {
		t.Fatalf("unexpected payload %q", got.Payload)
	}
	if got.ETag != written.ETag {
		t.Fatalf("etag mismatch: %q vs %q", got.ETag, written.ETag)
	}
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("one"), storage.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("initial put: %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("two"), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch, got %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("two"), storage.PutOptions{ExpectedETag: first.ETag}); err != nil {
		t.Fatalf("cas put: %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("three"), storage.PutOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch on stale etag, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Put(ctx, storage.NamespaceMutations, "u/1", []byte("m"), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, storage.NamespaceMutations, "u/1", storage.DeleteOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch, got %v", err)
	}
	if err := store.Delete(ctx, storage.NamespaceMutations, "u/1", storage.DeleteOptions{ExpectedETag: rec.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, storage.NamespaceMutations, "u/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, storage.NamespaceMutations, "u/1", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignore-not-found: %v", err)
	}
}

func TestListSurvivesKeyEncoding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keys := []string{"clients/a", "clients/b", "txnlog/00000000000000000001", "sequence"}
	for _, key := range keys {
		if _, err := store.Put(ctx, storage.NamespaceSys, key, []byte("x"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	result, err := store.List(ctx, storage.NamespaceSys, storage.ListOptions{Prefix: "clients/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 client records, got %d", len(result.Records))
	}
	if result.Records[0].Key != "clients/a" || result.Records[1].Key != "clients/b" {
		t.Fatalf("unexpected keys: %v", result.Records)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceDocuments, "doc", []byte("v1"), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, storage.NamespaceDocuments, "doc")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got.Payload) != "v1" {
		t.Fatalf("unexpected payload %q", got.Payload)
	}
}

func TestWipe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, namespace := range storage.Namespaces {
		if _, err := store.Put(ctx, namespace, "k", []byte("v"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", namespace, err)
		}
	}
	if err := store.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	for _, namespace := range storage.Namespaces {
		if _, err := store.Get(ctx, namespace, "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected %s wiped, got %v", namespace, err)
		}
	}
	// The store stays usable after a wipe.
	if _, err := store.Put(ctx, storage.NamespaceDocuments, "k", []byte("v2"), storage.PutOptions{}); err != nil {
		t.Fatalf("put after wipe: %v", err)
	}
}

func TestWatchDisabledByDefault(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.SubscribeChanges(storage.NamespaceSys, "lease"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented with watch disabled, got %v", err)
	}
}
