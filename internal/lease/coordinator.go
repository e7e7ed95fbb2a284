// Package lease elects a single primary among client instances sharing a
// store. The lease record lives alongside the data it protects and is only
// ever moved with compare-and-set, so at most one unexpired lease exists at
// any store-observable instant. Losing an election is a normal state
// transition, never an error.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/storage"
)

// RecordKey is the lease record under storage.NamespaceSys.
const RecordKey = "lease"

const minRenewInterval = 500 * time.Millisecond

// ErrNotPrimary reports that this instance does not hold the lease.
var ErrNotPrimary = errors.New("lease: not primary")

// State is the coordinator's position in its lifecycle.
type State int

// Coordinator states. Single-process coordinators skip Secondary entirely.
const (
	StateUnstarted State = iota
	StateSecondary
	StatePrimary
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSecondary:
		return "secondary"
	case StatePrimary:
		return "primary"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Record is the durable lease document. ExpiresAtUnix is in milliseconds;
// zero marks a proactively released lease. The fencing token increments on
// every change of holder and never decreases.
type Record struct {
	Holder        string `json:"holder"`
	FencingToken  int64  `json:"fencing_token"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// Listener receives primary-state transitions. Errors are logged and isolated
// per listener; they never block other listeners or the transition. Listeners
// are invoked synchronously while the coordinator serializes lease operations
// and must not call back into the Coordinator.
type Listener func(isPrimary bool) error

// Config configures a Coordinator.
type Config struct {
	// Backend is the shared store. Nil selects the single-process coordinator
	// that is always primary once started.
	Backend  storage.Backend
	ClientID string
	TTL      time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
	// OnTransition is an optional hook invoked after listener dispatch on
	// every primary-state change.
	OnTransition func(isPrimary bool)
}

// Coordinator runs the lease state machine for one client instance.
type Coordinator struct {
	backend      storage.Backend
	clientID     string
	ttl          time.Duration
	logger       pslog.Logger
	clock        clock.Clock
	onTransition func(bool)

	// opMu serializes Refresh and Stop so storage round-trips and the
	// notifications they trigger stay ordered.
	opMu sync.Mutex

	mu             sync.Mutex
	state          State
	token          int64
	expiresAt      time.Time
	networkEnabled bool
	listeners      []*subscription
	nextSubID      int64

	stop chan struct{}
	done chan struct{}
	sub  storage.ChangeSubscription
}

type subscription struct {
	id int64
	fn Listener
}

// New constructs an unstarted Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		backend:        cfg.Backend,
		clientID:       cfg.ClientID,
		ttl:            cfg.TTL,
		logger:         logger,
		clock:          clk,
		onTransition:   cfg.OnTransition,
		networkEnabled: true,
	}
}

// Start resolves the initial primary/secondary state and, for shared
// backends, launches the renewal loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnstarted {
		c.mu.Unlock()
		return errors.New("lease: already started")
	}
	if c.backend == nil {
		c.state = StatePrimary
		c.token = 1
		c.mu.Unlock()
		c.logger.Info("lease.state.changed", "state", StatePrimary.String(), "client_id", c.clientID)
		c.dispatch(true)
		return nil
	}
	c.state = StateSecondary
	c.mu.Unlock()

	c.Refresh(ctx)

	if feed, ok := c.backend.(storage.ChangeFeed); ok {
		sub, err := feed.SubscribeChanges(storage.NamespaceSys, RecordKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotImplemented) {
				c.logger.Debug("lease.watch.unavailable", "error", err)
			}
		} else {
			c.sub = sub
		}
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Stop releases the lease proactively so a successor need not wait for
// expiry, then returns the coordinator to the unstarted state.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateUnstarted || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	wasPrimary := c.state == StatePrimary
	singleProcess := c.backend == nil
	c.state = StateShuttingDown
	c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
		c.done = nil
	}
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}

	c.opMu.Lock()
	if wasPrimary && !singleProcess {
		c.release(ctx)
	}
	c.opMu.Unlock()

	if wasPrimary && !singleProcess {
		c.dispatch(false)
	}

	c.mu.Lock()
	c.state = StateUnstarted
	c.token = 0
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// IsPrimary reports whether this instance currently believes it holds the
// lease. Shared-backend coordinators additionally require the local expiry to
// be in the future.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePrimary {
		return false
	}
	if c.backend == nil {
		return true
	}
	return c.expiresAt.After(c.clock.Now())
}

// RequirePrimary returns nil when this instance holds the lease, refreshing
// once when the local view looks stale.
func (c *Coordinator) RequirePrimary(ctx context.Context) error {
	if c.IsPrimary() {
		return nil
	}
	if c.backend == nil {
		return ErrNotPrimary
	}
	c.Refresh(ctx)
	if c.IsPrimary() {
		return nil
	}
	return ErrNotPrimary
}

// ValidateHolding re-reads the lease record and confirms this instance still
// holds it under the fencing token it was granted. Called at commit time so a
// partitioned former primary cannot apply writes after a successor has taken
// over.
func (c *Coordinator) ValidateHolding(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	token := c.token
	c.mu.Unlock()
	if state != StatePrimary {
		return ErrNotPrimary
	}
	if c.backend == nil {
		return nil
	}
	rec, _, err := c.load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotPrimary
		}
		return err
	}
	if rec.Holder != c.clientID || rec.FencingToken != token {
		return ErrNotPrimary
	}
	if rec.ExpiresAtUnix == 0 || rec.ExpiresAtUnix <= c.clock.Now().UnixMilli() {
		return ErrNotPrimary
	}
	return nil
}

// SetNetworkEnabled adjusts lease acquisition eagerness. A client with the
// network disabled keeps renewing a lease it already holds but stops
// contesting a free one; the state change takes effect on the next refresh.
func (c *Coordinator) SetNetworkEnabled(enabled bool) {
	c.mu.Lock()
	c.networkEnabled = enabled
	c.mu.Unlock()
}

// Subscribe registers a listener, invokes it immediately with the current
// state, and returns a cancel func that unsubscribes it.
func (c *Coordinator) Subscribe(fn Listener) func() {
	c.mu.Lock()
	c.nextSubID++
	sub := &subscription{id: c.nextSubID, fn: fn}
	c.listeners = append(c.listeners, sub)
	isPrimary := c.state == StatePrimary
	c.mu.Unlock()

	if err := fn(isPrimary); err != nil {
		c.logger.Warn("lease.listener.failed", "error", err)
	}
	return func() {
		c.mu.Lock()
		for i, candidate := range c.listeners {
			if candidate.id == sub.id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FencingToken returns the token granted with the currently held lease, zero
// when not primary.
func (c *Coordinator) FencingToken() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePrimary {
		return 0
	}
	return c.token
}

// Refresh performs one synchronous claim/renew/observe round against the
// shared store. The renewal loop calls it on a TTL/2 cadence; it is also the
// commit path's fallback when the local view looks stale.
func (c *Coordinator) Refresh(ctx context.Context) {
	if c.backend == nil {
		return
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	now := c.clock.Now()
	c.mu.Lock()
	if c.state != StateSecondary && c.state != StatePrimary {
		c.mu.Unlock()
		return
	}
	network := c.networkEnabled
	// Offline claim eligibility requires an unexpired holding, not the raw
	// Primary state: an expired former primary contests like any secondary.
	holding := c.state == StatePrimary && c.expiresAt.After(now)
	c.mu.Unlock()

	expiresAt := now.Add(c.ttl)

	rec, etag, err := c.load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if !network && !holding {
				c.becomeSecondary()
				return
			}
			claim := Record{
				Holder:        c.clientID,
				FencingToken:  1,
				ExpiresAtUnix: expiresAt.UnixMilli(),
			}
			if err := c.store(ctx, claim, "", true); err == nil {
				c.becomePrimary(claim)
				return
			} else if errors.Is(err, storage.ErrCASMismatch) {
				c.observe(ctx)
				return
			} else {
				c.keepOrDemote(now, err, "lease.claim_failed")
				return
			}
		}
		c.keepOrDemote(now, err, "lease.read_failed")
		return
	}

	nowMillis := now.UnixMilli()
	expired := rec.ExpiresAtUnix == 0 || rec.ExpiresAtUnix <= nowMillis

	if rec.Holder == c.clientID && !expired {
		renew := Record{
			Holder:        c.clientID,
			FencingToken:  rec.FencingToken,
			ExpiresAtUnix: expiresAt.UnixMilli(),
		}
		if err := c.store(ctx, renew, etag, false); err == nil {
			c.becomePrimary(renew)
			return
		} else if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			c.observe(ctx)
			return
		} else {
			c.keepOrDemote(now, err, "lease.renew_failed")
			return
		}
	}

	if expired {
		if !network && !holding {
			c.becomeSecondary()
			return
		}
		claim := Record{
			Holder:        c.clientID,
			FencingToken:  rec.FencingToken + 1,
			ExpiresAtUnix: expiresAt.UnixMilli(),
		}
		if err := c.store(ctx, claim, etag, false); err == nil {
			c.becomePrimary(claim)
			return
		} else if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			c.observe(ctx)
			return
		} else {
			c.keepOrDemote(now, err, "lease.claim_failed")
			return
		}
	}

	c.becomeSecondary()
}

func (c *Coordinator) run() {
	defer close(c.done)
	interval := c.ttl / 2
	if interval < minRenewInterval {
		interval = minRenewInterval
	}
	var events <-chan struct{}
	if c.sub != nil {
		events = c.sub.Events()
	}
	for {
		select {
		case <-c.stop:
			return
		case <-c.clock.After(interval):
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		}
		c.Refresh(context.Background())
	}
}

// observe reloads the record after losing a compare-and-set race and adopts
// whatever the store says.
func (c *Coordinator) observe(ctx context.Context) {
	rec, _, err := c.load(ctx)
	if err != nil {
		c.becomeSecondary()
		return
	}
	now := c.clock.Now().UnixMilli()
	if rec.Holder == c.clientID && rec.ExpiresAtUnix > now {
		c.becomePrimary(rec)
		return
	}
	c.becomeSecondary()
}

// keepOrDemote handles transient storage failures: a primary whose local
// lease has not expired keeps its role so storage hiccups shorter than the
// TTL do not flap the state machine.
func (c *Coordinator) keepOrDemote(now time.Time, err error, event string) {
	c.mu.Lock()
	keep := c.state == StatePrimary && c.expiresAt.After(now)
	c.mu.Unlock()
	if keep {
		c.logger.Warn(event, "error", err, "action", "keep_primary")
		return
	}
	c.logger.Warn(event, "error", err)
	c.becomeSecondary()
}

func (c *Coordinator) becomePrimary(rec Record) {
	c.mu.Lock()
	transitioned := c.state != StatePrimary
	c.state = StatePrimary
	c.token = rec.FencingToken
	c.expiresAt = time.UnixMilli(rec.ExpiresAtUnix)
	c.mu.Unlock()
	if transitioned {
		c.logger.Info("lease.state.changed",
			"state", StatePrimary.String(),
			"client_id", c.clientID,
			"fencing_token", rec.FencingToken)
		c.dispatch(true)
	}
}

func (c *Coordinator) becomeSecondary() {
	c.mu.Lock()
	transitioned := c.state == StatePrimary
	if c.state == StatePrimary || c.state == StateSecondary {
		c.state = StateSecondary
	}
	c.token = 0
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	if transitioned {
		c.logger.Info("lease.state.changed", "state", StateSecondary.String(), "client_id", c.clientID)
		c.dispatch(false)
	}
}

// dispatch invokes every listener with the new state, in registration order.
// Listener failures are logged and do not block other listeners.
func (c *Coordinator) dispatch(isPrimary bool) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.listeners))
	copy(subs, c.listeners)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := sub.fn(isPrimary); err != nil {
			c.logger.Warn("lease.listener.failed", "error", err)
		}
	}
	if c.onTransition != nil {
		c.onTransition(isPrimary)
	}
}

func (c *Coordinator) release(ctx context.Context) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, etag, err := c.load(ctx)
		if err != nil {
			return
		}
		if rec.Holder != c.clientID {
			return
		}
		released := Record{
			Holder:        c.clientID,
			FencingToken:  rec.FencingToken,
			ExpiresAtUnix: 0,
		}
		err = c.store(ctx, released, etag, false)
		if err == nil {
			c.logger.Info("lease.released", "client_id", c.clientID)
			return
		}
		if errors.Is(err, storage.ErrCASMismatch) && attempt == 0 {
			continue
		}
		c.logger.Warn("lease.release_failed", "error", err)
		return
	}
}

func (c *Coordinator) load(ctx context.Context) (Record, string, error) {
	stored, err := c.backend.Get(ctx, storage.NamespaceSys, RecordKey)
	if err != nil {
		return Record{}, "", err
	}
	var rec Record
	if err := json.Unmarshal(stored.Payload, &rec); err != nil {
		return Record{}, "", fmt.Errorf("lease: decode record: %w", err)
	}
	return rec, stored.ETag, nil
}

func (c *Coordinator) store(ctx context.Context, rec Record, expectedETag string, ifNotExists bool) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lease: encode record: %w", err)
	}
	opts := storage.PutOptions{ExpectedETag: expectedETag}
	if ifNotExists {
		opts = storage.PutOptions{IfNotExists: true}
	}
	_, err = c.backend.Put(ctx, storage.NamespaceSys, RecordKey, payload, opts)
	return err
}
