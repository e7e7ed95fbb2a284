package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"pkt.systems/syncstore/internal/storage"
)

// ReservationKey is the record under storage.NamespaceSys that tracks the
// highest sequence number any client instance may have issued.
const ReservationKey = "sequence"

// DefaultChunk is the reservation block size for durable counters.
const DefaultChunk = 128

type reservation struct {
	ReservedThrough int64 `json:"reserved_through"`
}

// Counter issues strictly increasing sequence numbers. Durable counters
// reserve blocks of numbers through the shared store with compare-and-set so
// instances sharing a backend never issue the same value and a restarted
// instance resumes past everything it may have issued before. Memory-only
// counters start from a fixed origin each run.
type Counter struct {
	mu      sync.Mutex
	last    int64
	ceiling int64
	chunk   int64
	backend storage.Backend
}

// NewInMemory returns a counter that starts at 1 and never touches storage.
func NewInMemory() *Counter {
	return &Counter{ceiling: math.MaxInt64}
}

// NewDurable returns a counter backed by the shared store. The first block is
// reserved eagerly so Start surfaces storage problems before any transaction
// runs.
func NewDurable(ctx context.Context, backend storage.Backend, chunk int64) (*Counter, error) {
	if backend == nil {
		return nil, errors.New("sequence: backend required")
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	c := &Counter{chunk: chunk, backend: backend}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reserveLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Next returns the next sequence number. Durable counters may perform one
// storage write when the current reservation block is exhausted.
func (c *Counter) Next(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last >= c.ceiling {
		if err := c.reserveLocked(ctx); err != nil {
			return 0, err
		}
	}
	c.last++
	return c.last, nil
}

// Last returns the most recently issued sequence number, zero when none has
// been issued yet.
func (c *Counter) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Counter) reserveLocked(ctx context.Context) error {
	for {
		reservedThrough := int64(0)
		expected := ""
		rec, err := c.backend.Get(ctx, storage.NamespaceSys, ReservationKey)
		switch {
		case err == nil:
			var res reservation
			if err := json.Unmarshal(rec.Payload, &res); err != nil {
				return fmt.Errorf("sequence: decode reservation: %w", err)
			}
			reservedThrough = res.ReservedThrough
			expected = rec.ETag
		case errors.Is(err, storage.ErrNotFound):
		default:
			return err
		}

		payload, err := json.Marshal(reservation{ReservedThrough: reservedThrough + c.chunk})
		if err != nil {
			return fmt.Errorf("sequence: encode reservation: %w", err)
		}
		opts := storage.PutOptions{ExpectedETag: expected}
		if expected == "" {
			opts = storage.PutOptions{IfNotExists: true}
		}
		if _, err := c.backend.Put(ctx, storage.NamespaceSys, ReservationKey, payload, opts); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				// Another instance reserved concurrently; reload and take the
				// next block.
				continue
			}
			return err
		}
		c.last = reservedThrough
		c.ceiling = reservedThrough + c.chunk
		return nil
	}
}
