package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/syncstore/internal/storage"
	"pkt.systems/syncstore/internal/uuidv7"
)

// Store implements storage.Backend in process memory. It backs single-client
// persistence and is shared between instances in multi-client tests.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*entry
	now        func() time.Time

	watchMu  sync.Mutex
	watchers map[string][]*changeSubscription
}

type entry struct {
	payload []byte
	etag    string
	updated time.Time
}

// Config tunes the in-memory store.
type Config struct {
	// Now overrides the timestamp source; defaults to time.Now.
	Now func() time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		namespaces: make(map[string]map[string]*entry),
		now:        now,
		watchers:   make(map[string][]*changeSubscription),
	}
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(_ context.Context, namespace, key string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	ent, ok := ns[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return storage.Record{
		Key:           key,
		ETag:          ent.etag,
		Payload:       append([]byte(nil), ent.payload...),
		UpdatedAtUnix: ent.updated.Unix(),
	}, nil
}

// Put stores payload under key, honouring the conditional options.
func (s *Store) Put(_ context.Context, namespace, key string, payload []byte, opts storage.PutOptions) (storage.Record, error) {
	s.mu.Lock()
	ns := s.namespaces[namespace]
	if ns == nil {
		ns = make(map[string]*entry)
		s.namespaces[namespace] = ns
	}
	ent, exists := ns[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return storage.Record{}, storage.ErrNotFound
		}
		if ent.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return storage.Record{}, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return storage.Record{}, storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	updated := s.now().UTC()
	ns[key] = &entry{
		payload: append([]byte(nil), payload...),
		etag:    etag,
		updated: updated,
	}
	s.mu.Unlock()

	s.notify(namespace, key)
	return storage.Record{
		Key:           key,
		ETag:          etag,
		UpdatedAtUnix: updated.Unix(),
	}, nil
}

// Delete removes the record under key with optional CAS.
func (s *Store) Delete(_ context.Context, namespace, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	ns := s.namespaces[namespace]
	ent, exists := ns[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && ent.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(ns, key)
	s.mu.Unlock()

	s.notify(namespace, key)
	return nil
}

// List enumerates records under prefix in ascending key order.
func (s *Store) List(_ context.Context, namespace string, opts storage.ListOptions) (storage.ListResult, error) {
	s.mu.RLock()
	ns := s.namespaces[namespace]
	keys := make([]string, 0, len(ns))
	for key := range ns {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	truncated := false
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		truncated = true
	}
	result := storage.ListResult{
		Records:   make([]storage.Record, 0, len(keys)),
		Truncated: truncated,
	}
	for _, key := range keys {
		ent := ns[key]
		result.Records = append(result.Records, storage.Record{
			Key:           key,
			ETag:          ent.etag,
			UpdatedAtUnix: ent.updated.Unix(),
		})
	}
	if truncated {
		result.NextStartAfter = keys[len(keys)-1]
	}
	s.mu.RUnlock()
	return result, nil
}

// Wipe discards every namespace.
func (s *Store) Wipe(_ context.Context) error {
	s.mu.Lock()
	s.namespaces = make(map[string]map[string]*entry)
	s.mu.Unlock()
	return nil
}

// Close releases all change subscriptions.
func (s *Store) Close() error {
	s.watchMu.Lock()
	var subs []*changeSubscription
	for _, list := range s.watchers {
		subs = append(subs, list...)
	}
	s.watchers = make(map[string][]*changeSubscription)
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// SubscribeChanges implements storage.ChangeFeed with in-process signalling.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("memory: namespace required")
	}
	sub := &changeSubscription{
		store:     s,
		namespace: namespace,
		prefix:    prefix,
		events:    make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	s.watchers[namespace] = append(s.watchers[namespace], sub)
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(namespace, key string) {
	s.watchMu.Lock()
	var hit []*changeSubscription
	for _, sub := range s.watchers[namespace] {
		if sub.prefix == "" || strings.HasPrefix(key, sub.prefix) {
			hit = append(hit, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range hit {
		sub.signal()
	}
}

func (s *Store) dropSubscription(sub *changeSubscription) {
	s.watchMu.Lock()
	list := s.watchers[sub.namespace]
	for i, candidate := range list {
		if candidate == sub {
			s.watchers[sub.namespace] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.watchers[sub.namespace]) == 0 {
		delete(s.watchers, sub.namespace)
	}
	s.watchMu.Unlock()
}

type changeSubscription struct {
	store     *Store
	namespace string
	prefix    string
	events    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.store.dropSubscription(c)
	close(c.events)
	return nil
}

// signal delivers a coalesced hint; the mutex guarantees no send races a
// concurrent close of the channel.
func (c *changeSubscription) signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- struct{}{}:
	default:
	}
}

func (c *changeSubscription) shutdown() {
	if !c.markClosed() {
		return
	}
	close(c.events)
}

func (c *changeSubscription) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
