package syncstore

import (
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncstore/internal/clock"
	"pkt.systems/syncstore/internal/sequence"
	"pkt.systems/syncstore/internal/storage"
)

const (
	// DefaultStore points the engine at the in-memory backend when no store
	// DSN is provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL controls how long a primary lease is valid without
	// renewal.
	DefaultLeaseTTL = 5 * time.Second
	// DefaultHeartbeatInterval controls how often this instance refreshes its
	// active-client registration, independent of transaction traffic.
	DefaultHeartbeatInterval = 3 * time.Second
	// DefaultActivityTimeoutFactor derives the activity timeout from the
	// heartbeat interval when none is configured. The margin tolerates
	// scheduling jitter without falsely evicting live clients.
	DefaultActivityTimeoutFactor = 3
	// DefaultSequenceChunk is the block size reserved per storage write by the
	// sequence counter.
	DefaultSequenceChunk = sequence.DefaultChunk
	// DefaultMetricsListen is the metrics endpoint bind address; empty
	// disables metrics.
	DefaultMetricsListen = ""
)

// Config captures the tunables for a Persistence instance.
type Config struct {
	// Store is the backend DSN (for example mem://, disk:///var/lib/syncstore).
	Store string
	// Backend overrides Store with an already-constructed backend. The engine
	// does not close injected backends on shutdown.
	Backend storage.Backend
	// MultiClient enables lease coordination and the active-client registry
	// for instances sharing one store. When false the engine runs
	// single-process: always primary, active set is just itself.
	MultiClient bool
	// LeaseTTL controls primary lease lifetime; renewal runs at half this.
	LeaseTTL time.Duration
	// HeartbeatInterval controls active-client registration refresh cadence.
	HeartbeatInterval time.Duration
	// ActivityTimeout controls when peers consider this client gone. Zero
	// derives DefaultActivityTimeoutFactor times the heartbeat interval.
	ActivityTimeout time.Duration
	// SequenceChunk tunes how many sequence numbers one reservation write
	// covers.
	SequenceChunk int64
	// MetricsListen is the Prometheus scrape endpoint; empty disables it.
	MetricsListen string
	// Logger receives structured engine events. Nil disables logging.
	Logger pslog.Logger
	// Clock substitutes time for tests. Nil uses the wall clock.
	Clock clock.Clock
}

// Validate applies defaults and rejects inconsistent combinations.
func (c *Config) Validate() error {
	if c.Store == "" && c.Backend == nil {
		c.Store = DefaultStore
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = DefaultActivityTimeoutFactor * c.HeartbeatInterval
	}
	if c.ActivityTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("config: activity timeout %s must exceed heartbeat interval %s",
			c.ActivityTimeout, c.HeartbeatInterval)
	}
	if c.SequenceChunk == 0 {
		c.SequenceChunk = DefaultSequenceChunk
	}
	if c.SequenceChunk < 0 {
		return fmt.Errorf("config: sequence chunk must be positive, got %d", c.SequenceChunk)
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return nil
}
