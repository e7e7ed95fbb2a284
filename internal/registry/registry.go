// Package registry tracks which client instances are currently live against a
// shared store. Entries are one record per client under the sys namespace;
// liveness is judged lazily against the activity timeout at read time, and
// expired entries are evicted as a side effect of reads.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/storage"
)

const keyPrefix = "clients/"

// Entry captures one client's registration.
type Entry struct {
	ClientID       string `json:"client_id"`
	LastSeenAtUnix int64  `json:"last_seen_at_unix"`
}

// Registry manages active-client records for instances sharing a backend.
// It is eventually consistent: instances may briefly disagree on the active
// set while heartbeats propagate.
type Registry struct {
	backend storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
	timeout time.Duration
}

// New constructs a Registry. activityTimeout must exceed the heartbeat
// interval with margin; callers are expected to enforce that.
func New(backend storage.Backend, logger pslog.Logger, clk clock.Clock, activityTimeout time.Duration) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		clock:   clk,
		timeout: activityTimeout,
	}
}

// Touch records or renews the registration for clientID.
func (r *Registry) Touch(ctx context.Context, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return errors.New("registry: client id required")
	}
	entry := Entry{
		ClientID:       clientID,
		LastSeenAtUnix: r.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.backend.Put(ctx, storage.NamespaceSys, keyPrefix+clientID, payload, storage.PutOptions{})
	return err
}

// ActiveClients returns the ids of all clients seen within the activity
// timeout, sorted. Stale entries are evicted while scanning.
func (r *Registry) ActiveClients(ctx context.Context) ([]string, error) {
	result, err := r.backend.List(ctx, storage.NamespaceSys, storage.ListOptions{Prefix: keyPrefix})
	if err != nil {
		return nil, err
	}
	cutoff := r.clock.Now().Add(-r.timeout).UnixMilli()
	active := make([]string, 0, len(result.Records))
	for _, rec := range result.Records {
		entry, err := r.load(ctx, rec.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			r.logger.Warn("registry.entry.read_failed", "key", rec.Key, "error", err)
			continue
		}
		if entry.LastSeenAtUnix <= cutoff {
			r.evict(ctx, rec.Key)
			continue
		}
		if entry.ClientID == "" {
			entry.ClientID = strings.TrimPrefix(rec.Key, keyPrefix)
		}
		active = append(active, entry.ClientID)
	}
	sort.Strings(active)
	return active, nil
}

// Remove deletes the registration for clientID, used on clean shutdown so
// peers need not wait for the activity timeout.
func (r *Registry) Remove(ctx context.Context, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return errors.New("registry: client id required")
	}
	return r.backend.Delete(ctx, storage.NamespaceSys, keyPrefix+clientID, storage.DeleteOptions{
		IgnoreNotFound: true,
	})
}

func (r *Registry) load(ctx context.Context, key string) (Entry, error) {
	rec, err := r.backend.Get(ctx, storage.NamespaceSys, key)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("registry: decode %s: %w", key, err)
	}
	return entry, nil
}

func (r *Registry) evict(ctx context.Context, key string) {
	if err := r.backend.Delete(ctx, storage.NamespaceSys, key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		r.logger.Debug("registry.entry.evict_failed", "key", key, "error", err)
	}
}
