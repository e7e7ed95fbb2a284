package syncstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/syncstore/internal/storage"
)

// TransactionMode governs whether a lease check gates execution.
type TransactionMode int

const (
	// ReadOnly transactions perform no lease check and stage no writes.
	ReadOnly TransactionMode = iota
	// ReadWrite transactions may stage writes from any instance, primary or
	// secondary.
	ReadWrite
	// ReadWritePrimary transactions require this instance to hold the primary
	// lease, checked before the operation runs and again at commit.
	ReadWritePrimary
)

func (m TransactionMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite_primary"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Transaction is the context handed to a RunTransaction operation. It carries
// the sequence number minted at transaction start and buffers every write
// until commit; nothing reaches the backend while the operation is running.
// A Transaction must not be retained beyond the operation that received it.
type Transaction struct {
	sequence int64
	mode     TransactionMode
	backend  storage.Backend
	staged   map[string]map[string]stagedWrite
	done     bool
}

type stagedWrite struct {
	payload []byte
	delete  bool
}

func newTransaction(sequence int64, mode TransactionMode, backend storage.Backend) *Transaction {
	return &Transaction{
		sequence: sequence,
		mode:     mode,
		backend:  backend,
		staged:   make(map[string]map[string]stagedWrite),
	}
}

// SequenceNumber returns the monotonic sequence number assigned to this
// transaction at start.
func (t *Transaction) SequenceNumber() int64 {
	return t.sequence
}

// get reads through the staged overlay first so the transaction observes its
// own writes, then falls back to the backend.
func (t *Transaction) get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	if ns, ok := t.staged[namespace]; ok {
		if write, ok := ns[key]; ok {
			if write.delete {
				return nil, storage.ErrNotFound
			}
			return append([]byte(nil), write.payload...), nil
		}
	}
	rec, err := t.backend.Get(ctx, namespace, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, failf(CodeStorageUnavailable, "read %s/%s: %v", namespace, key, err)
	}
	return rec.Payload, nil
}

func (t *Transaction) put(namespace, key string, payload []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.stage(namespace, key, stagedWrite{payload: append([]byte(nil), payload...)})
	return nil
}

func (t *Transaction) del(namespace, key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.stage(namespace, key, stagedWrite{delete: true})
	return nil
}

func (t *Transaction) stage(namespace, key string, write stagedWrite) {
	ns := t.staged[namespace]
	if ns == nil {
		ns = make(map[string]stagedWrite)
		t.staged[namespace] = ns
	}
	ns[key] = write
}

// listKeys merges backend keys under prefix with the staged overlay: staged
// puts appear, staged deletes disappear.
func (t *Transaction) listKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	startAfter := ""
	for {
		result, err := t.backend.List(ctx, namespace, storage.ListOptions{
			Prefix:     prefix,
			StartAfter: startAfter,
		})
		if err != nil {
			return nil, failf(CodeStorageUnavailable, "list %s/%s: %v", namespace, prefix, err)
		}
		for _, rec := range result.Records {
			seen[rec.Key] = true
		}
		if !result.Truncated {
			break
		}
		startAfter = result.NextStartAfter
	}
	if ns, ok := t.staged[namespace]; ok {
		for key, write := range ns {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if write.delete {
				delete(seen, key)
			} else {
				seen[key] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *Transaction) usable() error {
	if t.done {
		return failf(CodeFailedPrecondition, "transaction already finished")
	}
	return nil
}

func (t *Transaction) writable() error {
	if err := t.usable(); err != nil {
		return err
	}
	if t.mode == ReadOnly {
		return failf(CodeFailedPrecondition, "write attempted in a readonly transaction")
	}
	return nil
}

func (t *Transaction) hasWrites() bool {
	for _, ns := range t.staged {
		if len(ns) > 0 {
			return true
		}
	}
	return false
}

// writes returns the staged batch in deterministic namespace/key order.
func (t *Transaction) writes() []journalOp {
	namespaces := make([]string, 0, len(t.staged))
	for namespace := range t.staged {
		namespaces = append(namespaces, namespace)
	}
	sort.Strings(namespaces)
	var ops []journalOp
	for _, namespace := range namespaces {
		ns := t.staged[namespace]
		keys := make([]string, 0, len(ns))
		for key := range ns {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			write := ns[key]
			ops = append(ops, journalOp{
				Namespace: namespace,
				Key:       key,
				Payload:   write.payload,
				Delete:    write.delete,
			})
		}
	}
	return ops
}

func (t *Transaction) finish() {
	t.done = true
	t.staged = nil
}
