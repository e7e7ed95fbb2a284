package syncstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/syncstore/internal/storage"
)

// Store accessors. Handles are obtained from the engine and perform I/O only
// through a *Transaction; the engine guarantees the same logical handle for
// repeated lookups with the same key.

// Mutation is one pending local write queued for a user.
type Mutation struct {
	BatchID  int64           `json:"batch_id"`
	Sequence int64           `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// MutationQueue stores pending writes for one user in enqueue order.
type MutationQueue struct {
	user string
}

type queueMeta struct {
	LastBatchID int64 `json:"last_batch_id"`
}

func newMutationQueue(user string) *MutationQueue {
	return &MutationQueue{user: user}
}

// User returns the user identity this queue is scoped to.
func (q *MutationQueue) User() string {
	return q.user
}

func (q *MutationQueue) metaKey() string {
	return q.user + "/.meta"
}

func (q *MutationQueue) batchKey(batchID int64) string {
	return fmt.Sprintf("%s/%020d", q.user, batchID)
}

func (q *MutationQueue) batchPrefix() string {
	return q.user + "/"
}

// Enqueue appends payload as the next mutation batch and returns its id.
func (q *MutationQueue) Enqueue(ctx context.Context, tx *Transaction, payload []byte) (int64, error) {
	meta, err := q.loadMeta(ctx, tx)
	if err != nil {
		return 0, err
	}
	meta.LastBatchID++
	batch := Mutation{
		BatchID:  meta.LastBatchID,
		Sequence: tx.SequenceNumber(),
		Payload:  append(json.RawMessage(nil), payload...),
	}
	encoded, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("encode mutation batch: %w", err)
	}
	metaEncoded, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode queue meta: %w", err)
	}
	if err := tx.put(storage.NamespaceMutations, q.batchKey(batch.BatchID), encoded); err != nil {
		return 0, err
	}
	if err := tx.put(storage.NamespaceMutations, q.metaKey(), metaEncoded); err != nil {
		return 0, err
	}
	return batch.BatchID, nil
}

// Pending returns all queued mutations in batch order without removing them.
func (q *MutationQueue) Pending(ctx context.Context, tx *Transaction) ([]Mutation, error) {
	keys, err := tx.listKeys(ctx, storage.NamespaceMutations, q.batchPrefix())
	if err != nil {
		return nil, err
	}
	mutations := make([]Mutation, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, "/.meta") {
			continue
		}
		payload, err := tx.get(ctx, storage.NamespaceMutations, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var m Mutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode mutation %s: %w", key, err)
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

// Drain returns all queued mutations and stages their removal; the queue is
// empty once the transaction commits. The batch id counter is not reset, so
// ids stay unique across drains.
func (q *MutationQueue) Drain(ctx context.Context, tx *Transaction) ([]Mutation, error) {
	mutations, err := q.Pending(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, m := range mutations {
		if err := tx.del(storage.NamespaceMutations, q.batchKey(m.BatchID)); err != nil {
			return nil, err
		}
	}
	return mutations, nil
}

func (q *MutationQueue) loadMeta(ctx context.Context, tx *Transaction) (queueMeta, error) {
	payload, err := tx.get(ctx, storage.NamespaceMutations, q.metaKey())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queueMeta{}, nil
		}
		return queueMeta{}, err
	}
	var meta queueMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return queueMeta{}, fmt.Errorf("decode queue meta %s: %w", q.metaKey(), err)
	}
	return meta, nil
}

// QueryCache stores cached query results keyed by the query text.
type QueryCache struct{}

type cachedQuery struct {
	Query    string          `json:"query"`
	Sequence int64           `json:"sequence"`
	Result   json.RawMessage `json:"result"`
}

func newQueryCache() *QueryCache {
	return &QueryCache{}
}

func queryKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Put stages result as the cached value for query, stamped with the
// transaction's sequence number for staleness decisions by consumers.
func (c *QueryCache) Put(ctx context.Context, tx *Transaction, query string, result []byte) error {
	encoded, err := json.Marshal(cachedQuery{
		Query:    query,
		Sequence: tx.SequenceNumber(),
		Result:   append(json.RawMessage(nil), result...),
	})
	if err != nil {
		return fmt.Errorf("encode cached query: %w", err)
	}
	return tx.put(storage.NamespaceQueries, queryKey(query), encoded)
}

// Get returns the cached result for query and the sequence number it was
// cached at. ok is false on a miss.
func (c *QueryCache) Get(ctx context.Context, tx *Transaction, query string) (result []byte, sequence int64, ok bool, err error) {
	payload, err := tx.get(ctx, storage.NamespaceQueries, queryKey(query))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	var cached cachedQuery
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached query: %w", err)
	}
	return cached.Result, cached.Sequence, true, nil
}

// Document is one cached remote document.
type Document struct {
	Key      string          `json:"key"`
	Sequence int64           `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// RemoteDocumentCache stores documents received from the remote store.
type RemoteDocumentCache struct{}

func newRemoteDocumentCache() *RemoteDocumentCache {
	return &RemoteDocumentCache{}
}

// Put stages doc under its key, stamping the transaction sequence.
func (c *RemoteDocumentCache) Put(ctx context.Context, tx *Transaction, doc Document) error {
	if doc.Key == "" {
		return failf(CodeFailedPrecondition, "document key required")
	}
	doc.Sequence = tx.SequenceNumber()
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.Key, err)
	}
	return tx.put(storage.NamespaceDocuments, doc.Key, encoded)
}

// Get returns the cached document under key; ok is false on a miss.
func (c *RemoteDocumentCache) Get(ctx context.Context, tx *Transaction, key string) (doc Document, ok bool, err error) {
	payload, err := tx.get(ctx, storage.NamespaceDocuments, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, false, fmt.Errorf("decode document %s: %w", key, err)
	}
	return doc, true, nil
}

// Delete stages removal of the cached document under key.
func (c *RemoteDocumentCache) Delete(ctx context.Context, tx *Transaction, key string) error {
	return tx.del(storage.NamespaceDocuments, key)
}
