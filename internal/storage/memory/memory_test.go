package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/syncstore/internal/storage"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	written, err := store.Put(ctx, storage.NamespaceDocuments, "doc-1", []byte(`{"a":1}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if written.ETag == "" {
		t.Fatalf("expected etag on write")
	}
	got, err := store.Get(ctx, storage.NamespaceDocuments, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("unexpected payload %q", got.Payload)
	}
	if got.ETag != written.ETag {
		t.Fatalf("etag mismatch: %q vs %q", got.ETag, written.ETag)
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	defer store.Close()
	if _, err := store.Get(context.Background(), storage.NamespaceSys, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	first, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("one"), storage.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("initial put: %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("two"), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch on IfNotExists over existing record, got %v", err)
	}
	second, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("two"), storage.PutOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("cas put: %v", err)
	}
	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("three"), storage.PutOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch on stale etag, got %v", err)
	}
	got, err := store.Get(ctx, storage.NamespaceSys, "lease")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ETag != second.ETag || string(got.Payload) != "two" {
		t.Fatalf("stale write applied: %q %q", got.ETag, got.Payload)
	}
}

func TestConditionalPutMissingRecord(t *testing.T) {
	store := New()
	defer store.Close()
	_, err := store.Put(context.Background(), storage.NamespaceSys, "lease", []byte("x"), storage.PutOptions{ExpectedETag: "stale"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for CAS against missing record, got %v", err)
	}
}

func TestDeleteConditional(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

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
	if err := store.Delete(ctx, storage.NamespaceMutations, "u/1", storage.DeleteOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, storage.NamespaceMutations, "u/1", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignore-not-found: %v", err)
	}
}

func TestListPrefixOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	keys := []string{"u/3", "u/1", "u/2", "v/1"}
	for _, key := range keys {
		if _, err := store.Put(ctx, storage.NamespaceMutations, key, []byte("x"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	result, err := store.List(ctx, storage.NamespaceMutations, storage.ListOptions{Prefix: "u/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !result.Truncated || len(result.Records) != 2 {
		t.Fatalf("expected truncated page of 2, got %d truncated=%v", len(result.Records), result.Truncated)
	}
	if result.Records[0].Key != "u/1" || result.Records[1].Key != "u/2" {
		t.Fatalf("unexpected page order: %v", result.Records)
	}
	rest, err := store.List(ctx, storage.NamespaceMutations, storage.ListOptions{Prefix: "u/", StartAfter: result.NextStartAfter})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Records) != 1 || rest.Records[0].Key != "u/3" {
		t.Fatalf("unexpected rest: %v", rest.Records)
	}
}

func TestWipe(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

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
}

func TestChangeSubscription(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	sub, err := store.SubscribeChanges(storage.NamespaceSys, "lease")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.Put(ctx, storage.NamespaceSys, "other", []byte("x"), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatalf("unexpected event for non-matching key")
	default:
	}

	if _, err := store.Put(ctx, storage.NamespaceSys, "lease", []byte("x"), storage.PutOptions{}); err != nil {
		t.Fatalf("put lease: %v", err)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatalf("expected change hint for lease key")
	}
}
