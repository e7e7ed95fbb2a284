package storage

import (
	"context"
	"errors"
)

// Namespaces used by the persistence layer. Every backend keeps them fully
// isolated from each other.
const (
	// NamespaceSys holds coordination state shared between client instances:
	// the primary lease record, the active-client table, the sequence counter
	// reservation, and pending commit journals.
	NamespaceSys = "sys"
	// NamespaceMutations holds per-user pending write queues.
	NamespaceMutations = "mutations"
	// NamespaceQueries holds cached query results.
	NamespaceQueries = "queries"
	// NamespaceDocuments holds cached remote documents.
	NamespaceDocuments = "documents"
)

// Namespaces lists every namespace a backend must serve.
var Namespaces = []string{NamespaceSys, NamespaceMutations, NamespaceQueries, NamespaceDocuments}

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent
	// writer; callers reload and retry or give up.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates the backend lacks an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Record is one stored value together with the opaque ETag that guards
// conditional writes. List results omit the payload.
type Record struct {
	Key           string
	ETag          string
	Payload       []byte
	UpdatedAtUnix int64
}

// PutOptions controls conditional semantics for Put.
type PutOptions struct {
	// ExpectedETag enables compare-and-set: the write succeeds only while the
	// stored ETag still matches. Empty disables the check.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when ExpectedETag
	// is set.
	IfNotExists bool
}

// DeleteOptions controls conditional semantics for Delete.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides List traversal. Keys are returned in ascending lexical
// order within the namespace.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of a List call.
type ListResult struct {
	Records        []Record
	NextStartAfter string
	Truncated      bool
}

// Backend is the storage contract shared by the memory and disk stores. All
// operations on a single key are linearizable; the ETag discipline is the only
// cross-key coordination primitive the persistence layer relies on.
type Backend interface {
	// Get returns the record stored under key, including its payload.
	Get(ctx context.Context, namespace, key string) (Record, error)
	// Put writes payload under key, applying the conditional semantics in
	// opts, and returns the new record (payload omitted).
	Put(ctx context.Context, namespace, key string, payload []byte, opts PutOptions) (Record, error)
	// Delete removes the record under key.
	Delete(ctx context.Context, namespace, key string, opts DeleteOptions) error
	// List enumerates records (without payloads) under the supplied prefix.
	List(ctx context.Context, namespace string, opts ListOptions) (ListResult, error)
	// Wipe irrecoverably erases every namespace. Reachable only from
	// Shutdown with DeleteData set.
	Wipe(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// ChangeSubscription delivers coalesced change hints for a watched prefix.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is an optional backend capability. Subscribers receive a hint
// whenever a record under the prefix is written or deleted; hints may be
// coalesced and carry no payload.
type ChangeFeed interface {
	SubscribeChanges(namespace, prefix string) (ChangeSubscription, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
