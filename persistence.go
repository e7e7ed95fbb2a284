package syncstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/lease"
	"pkt.systems/syncstore/internal/registry"
	"pkt.systems/syncstore/internal/sequence"
	"pkt.systems/syncstore/internal/storage"
)

// PrimaryStateListener receives primary/secondary transitions. It is invoked
// immediately on registration with the current state and on every transition
// after that; errors are logged and isolated per listener. Listeners run
// synchronously on lease transitions and must not call back into the engine.
type PrimaryStateListener func(isPrimary bool) error

// ShutdownOptions controls Shutdown behaviour.
type ShutdownOptions struct {
	// DeleteData irrecoverably erases all persisted state: mutation queues,
	// caches, and coordination records. Intended for test teardown only.
	DeleteData bool
}

// Persistence orchestrates transaction execution over a shared store: mode
// validation, lease gating, atomic commit, and lifecycle. One instance per
// client process; instances sharing a durable store coordinate through the
// primary lease and the active-client registry.
type Persistence struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	backend      storage.Backend
	ownedBackend bool
	clientID     string

	coordinator *lease.Coordinator
	registry    *registry.Registry
	counter     *sequence.Counter
	metrics     *engineMetrics
	telemetry   *telemetryBundle
	tracer      trace.Tracer

	mu           sync.Mutex
	started      bool
	shuttingDown bool

	// txnMu serializes transactions: no two operation bodies or commits from
	// this instance ever interleave. Shutdown takes it to wait for the
	// in-flight transaction.
	txnMu sync.Mutex

	// journalPending marks a commit journal left behind by a failed apply or
	// cleanup. Guarded by txnMu. The next transaction must finish that journal
	// before it runs: nothing newer may commit past a pending journal, or a
	// later replay would regress the newer writes.
	journalPending bool

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	handleMu   sync.Mutex
	queues     map[string]*MutationQueue
	queryCache *QueryCache
	docCache   *RemoteDocumentCache
}

// New constructs an engine from cfg without touching storage beyond backend
// construction. Call Start before running transactions.
func New(cfg Config) (*Persistence, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend := cfg.Backend
	owned := false
	if backend == nil {
		opened, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		backend = opened
		owned = true
	}
	p := &Persistence{
		cfg:          cfg,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		backend:      backend,
		ownedBackend: owned,
		clientID:     xid.New().String(),
		metrics:      newEngineMetrics(cfg.Logger),
		tracer:       otel.Tracer("pkt.systems/syncstore"),
		queues:       make(map[string]*MutationQueue),
		queryCache:   newQueryCache(),
		docCache:     newRemoteDocumentCache(),
	}
	var leaseBackend storage.Backend
	if cfg.MultiClient {
		leaseBackend = backend
		p.registry = registry.New(backend, cfg.Logger, cfg.Clock, cfg.ActivityTimeout)
	}
	p.coordinator = lease.New(lease.Config{
		Backend:      leaseBackend,
		ClientID:     p.clientID,
		TTL:          cfg.LeaseTTL,
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		OnTransition: p.metrics.recordLeaseTransition,
	})
	return p, nil
}

// ClientID returns the identifier minted for this instance at construction.
func (p *Persistence) ClientID() string {
	return p.clientID
}

// Start initialises storage, replays interrupted commits, and begins lease
// renewal and heartbeats when coordinating with other clients.
func (p *Persistence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return failf(CodeAlreadyStarted, "persistence engine already started")
	}

	telemetry, err := setupTelemetry(ctx, p.cfg.MetricsListen, p.logger)
	if err != nil {
		return err
	}

	replayed, err := replayJournals(ctx, p.backend, p.logger)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return failf(CodeStorageUnavailable, "replay commit journals: %v", err)
	}
	p.metrics.recordJournalReplay(ctx, replayed)
	p.journalPending = false

	counter, err := sequence.NewDurable(ctx, p.backend, p.cfg.SequenceChunk)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return failf(CodeStorageUnavailable, "initialise sequence counter: %v", err)
	}
	p.counter = counter

	if err := p.coordinator.Start(ctx); err != nil {
		_ = telemetry.Shutdown(ctx)
		return err
	}

	if p.registry != nil {
		if err := p.registry.Touch(ctx, p.clientID); err != nil {
			p.logger.Warn("registry.initial_touch_failed", "error", err)
		}
		p.heartbeatStop = make(chan struct{})
		p.heartbeatDone = make(chan struct{})
		go p.heartbeatLoop()
	}

	p.telemetry = telemetry
	p.started = true
	p.logger.Info("persistence.started",
		"client_id", p.clientID,
		"multi_client", p.cfg.MultiClient,
		"journals_replayed", replayed)
	return nil
}

// Shutdown stops coordination, waits for the in-flight transaction, and
// releases resources. With DeleteData set it wipes all persisted state before
// returning.
func (p *Persistence) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return failf(CodeNotStarted, "persistence engine not started")
	}
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	p.mu.Unlock()

	// Wait for the in-flight transaction to finish; new ones are rejected.
	p.txnMu.Lock()
	p.txnMu.Unlock()

	if p.heartbeatStop != nil {
		close(p.heartbeatStop)
		<-p.heartbeatDone
		p.heartbeatStop = nil
		p.heartbeatDone = nil
	}

	p.coordinator.Stop(ctx)

	if p.registry != nil {
		if err := p.registry.Remove(ctx, p.clientID); err != nil {
			p.logger.Warn("registry.remove_failed", "error", err)
		}
	}

	var failure error
	if opts.DeleteData {
		if err := p.backend.Wipe(ctx); err != nil {
			failure = failf(CodeDataLoss, "wipe store: %v", err)
		} else {
			p.logger.Warn("store.wiped", "client_id", p.clientID)
		}
	}

	if p.ownedBackend {
		if err := p.backend.Close(); err != nil {
			p.logger.Warn("backend.close_failed", "error", err)
		}
	}
	if err := p.telemetry.Shutdown(ctx); err != nil {
		p.logger.Warn("telemetry.shutdown_failed", "error", err)
	}
	p.telemetry = nil

	p.mu.Lock()
	p.started = false
	p.shuttingDown = false
	p.mu.Unlock()

	p.logger.Info("persistence.stopped", "client_id", p.clientID)
	return failure
}

// RunTransaction executes op inside a fresh transaction context. Writes
// staged by op are applied as one atomic batch after op returns nil; any
// error discards them all. Transactions from one instance run strictly
// sequentially.
func (p *Persistence) RunTransaction(ctx context.Context, action string, mode TransactionMode, op func(tx *Transaction) error) error {
	if err := p.requireRunning(action); err != nil {
		return err
	}

	if mode == ReadWritePrimary {
		if err := p.coordinator.RequirePrimary(ctx); err != nil {
			p.metrics.recordTxn(ctx, mode, "rejected", 0)
			p.logger.Debug("txn.rejected", "action", action, "mode", mode.String())
			return failf(CodeFailedPrecondition, "transaction %q requires the primary lease", action)
		}
	}

	p.txnMu.Lock()
	defer p.txnMu.Unlock()
	if err := p.requireRunning(action); err != nil {
		return err
	}

	// A journal left behind by an earlier failed commit must be finished
	// before this transaction observes or writes anything; replay in sequence
	// order keeps the store converged on whole batches only.
	if p.journalPending {
		replayed, err := replayJournals(ctx, p.backend, p.logger)
		if err != nil {
			return failf(CodeStorageUnavailable, "recover pending commit journal: %v", err)
		}
		p.metrics.recordJournalReplay(ctx, replayed)
		p.journalPending = false
	}

	start := p.clock.Now()
	ctx, span := p.tracer.Start(ctx, "persistence.transaction", trace.WithAttributes(
		attribute.String("syncstore.txn.action", action),
		attribute.String("syncstore.txn.mode", mode.String()),
	))
	defer span.End()

	seq, err := p.counter.Next(ctx)
	if err != nil {
		failure := failf(CodeStorageUnavailable, "mint sequence number: %v", err)
		p.rollbackTelemetry(ctx, span, mode, start, failure)
		return failure
	}
	span.SetAttributes(attribute.Int64("syncstore.txn.sequence", seq))

	tx := newTransaction(seq, mode, p.backend)
	if err := op(tx); err != nil {
		tx.finish()
		p.rollbackTelemetry(ctx, span, mode, start, err)
		p.logger.Debug("txn.rolled_back",
			"action", action, "mode", mode.String(), "sequence", seq, "error", err)
		return err
	}

	if err := p.commit(ctx, tx, mode); err != nil {
		tx.finish()
		p.rollbackTelemetry(ctx, span, mode, start, err)
		p.logger.Warn("txn.commit_failed",
			"action", action, "mode", mode.String(), "sequence", seq, "error", err)
		return err
	}
	tx.finish()

	p.metrics.recordTxn(ctx, mode, "committed", p.clock.Now().Sub(start))
	p.logger.Debug("txn.committed", "action", action, "mode", mode.String(), "sequence", seq)

	if p.registry != nil {
		if err := p.registry.Touch(ctx, p.clientID); err != nil {
			p.logger.Debug("registry.touch_failed", "error", err)
		}
	}
	return nil
}

// commit applies the staged batch. The journal write is the commit point: a
// crash after it completes is finished by replay on the next Start, and an
// apply failure in a live process is finished by replay before the next
// transaction runs.
func (p *Persistence) commit(ctx context.Context, tx *Transaction, mode TransactionMode) error {
	if !tx.hasWrites() {
		return nil
	}
	if mode == ReadWritePrimary {
		// A partitioned former primary may still believe it holds the lease.
		// Re-validate against the store before applying anything.
		if err := p.coordinator.ValidateHolding(ctx); err != nil {
			if errors.Is(err, lease.ErrNotPrimary) {
				return failf(CodeFailedPrecondition, "primary lease lost before commit")
			}
			return failf(CodeStorageUnavailable, "validate primary lease at commit: %v", err)
		}
	}
	ops := tx.writes()
	key, err := writeJournal(ctx, p.backend, journalRecord{
		Sequence: tx.SequenceNumber(),
		ClientID: p.clientID,
		Ops:      ops,
	})
	if err != nil {
		return failf(CodeStorageUnavailable, "write commit journal: %v", err)
	}
	applyErr := applyJournalOps(ctx, p.backend, ops)
	if applyErr != nil && storage.IsTransient(applyErr) {
		// Ops are full-value puts and deletes, so re-applying is safe.
		applyErr = applyJournalOps(ctx, p.backend, ops)
	}
	if applyErr != nil {
		// The journal stays behind and blocks all further transactions until
		// replay completes it, so no partial batch is ever observed past this
		// transaction and no newer commit can be regressed by a later replay.
		p.journalPending = true
		p.logger.Warn("txn.commit.incomplete", "journal", key, "error", applyErr)
		return failf(CodeStorageUnavailable, "apply transaction batch: %v", applyErr)
	}
	if err := p.backend.Delete(ctx, storage.NamespaceSys, key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		// The batch is fully applied, only the journal record lingers. Mark it
		// pending so the next transaction removes it before anything newer
		// commits; replaying it meanwhile re-applies the same values.
		p.journalPending = true
		p.logger.Warn("txn.journal.cleanup_failed", "journal", key, "error", err)
	}
	return nil
}

func (p *Persistence) rollbackTelemetry(ctx context.Context, span trace.Span, mode TransactionMode, start time.Time, err error) {
	p.metrics.recordTxn(ctx, mode, "rolled_back", p.clock.Now().Sub(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, "rolled back")
}

// GetMutationQueue returns the stable mutation queue handle for user.
func (p *Persistence) GetMutationQueue(user string) *MutationQueue {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	queue, ok := p.queues[user]
	if !ok {
		queue = newMutationQueue(user)
		p.queues[user] = queue
	}
	return queue
}

// GetQueryCache returns the engine's query cache handle.
func (p *Persistence) GetQueryCache() *QueryCache {
	return p.queryCache
}

// GetRemoteDocumentCache returns the engine's remote document cache handle.
func (p *Persistence) GetRemoteDocumentCache() *RemoteDocumentCache {
	return p.docCache
}

// GetActiveClients returns the best-known active client set including this
// instance. Single-process engines always return just themselves.
func (p *Persistence) GetActiveClients(ctx context.Context) ([]string, error) {
	if p.registry == nil {
		return []string{p.clientID}, nil
	}
	ids, err := p.registry.ActiveClients(ctx)
	if err != nil {
		return nil, failf(CodeStorageUnavailable, "list active clients: %v", err)
	}
	for _, id := range ids {
		if id == p.clientID {
			return ids, nil
		}
	}
	return insertSorted(ids, p.clientID), nil
}

// IsPrimary reports whether this instance currently holds the primary lease.
func (p *Persistence) IsPrimary() bool {
	return p.coordinator.IsPrimary()
}

// SetNetworkEnabled informs the lease coordinator about network availability;
// clients with the network disabled stop contesting a free lease.
func (p *Persistence) SetNetworkEnabled(enabled bool) {
	p.coordinator.SetNetworkEnabled(enabled)
}

// SetPrimaryStateListener registers listener with the lease coordinator and
// returns a cancel func that unsubscribes it. The listener is invoked
// immediately with the current state.
func (p *Persistence) SetPrimaryStateListener(listener PrimaryStateListener) func() {
	return p.coordinator.Subscribe(lease.Listener(listener))
}

func (p *Persistence) requireRunning(action string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.shuttingDown {
		return failf(CodeNotStarted, "transaction %q: engine not running", action)
	}
	return nil
}

func (p *Persistence) heartbeatLoop() {
	defer close(p.heartbeatDone)
	for {
		select {
		case <-p.heartbeatStop:
			return
		case <-p.clock.After(p.cfg.HeartbeatInterval):
		}
		ctx := context.Background()
		err := p.registry.Touch(ctx, p.clientID)
		p.metrics.recordHeartbeat(ctx, err)
		if err != nil {
			p.logger.Warn("registry.heartbeat_failed", "error", err)
		}
	}
}

func insertSorted(ids []string, id string) []string {
	out := append(append([]string(nil), ids...), id)
	for i := len(out) - 1; i > 0 && out[i] < out[i-1]; i-- {
		out[i], out[i-1] = out[i-1], out[i]
	}
	return out
}
