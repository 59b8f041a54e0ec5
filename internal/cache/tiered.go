package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
)

// Remote is the distributed layer behind the in-process store.
type Remote interface {
	Save(ctx context.Context, rec price.PriceRecord) error
	Load(ctx context.Context, symbols []string) ([]price.PriceRecord, error)
}

// TieredConfig tunes the write-behind queue.
type TieredConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       observability.Logger
}

// Tiered serves reads from L1 and mirrors accepted writes to L2 in acceptance order.
type Tiered struct {
	l1 *MemoryStore
	l2 Remote

	writeTimeout time.Duration
	logger       observability.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan price.PriceRecord
	wg     conc.WaitGroup
}

// NewTiered wires l1 and l2. A nil l2 degrades to the memory store alone.
func NewTiered(l1 *MemoryStore, l2 Remote, cfg TieredConfig) *Tiered {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	t := &Tiered{
		l1:           l1,
		l2:           l2,
		writeTimeout: cfg.WriteTimeout,
		logger:       observability.OrNop(cfg.Logger),
	}
	if l2 != nil {
		t.queue = make(chan price.PriceRecord, cfg.QueueSize)
		t.wg.Go(t.writeBehind)
	}
	return t
}

// Get reads from the in-process layer only.
func (t *Tiered) Get(symbol string) (price.PriceRecord, bool, bool) {
	return t.l1.Get(symbol)
}

// GetMany reads from the in-process layer only.
func (t *Tiered) GetMany(symbols []string) map[string]Entry {
	return t.l1.GetMany(symbols)
}

// Put stores synchronously in L1 and queues accepted records for L2.
func (t *Tiered) Put(rec price.PriceRecord) bool {
	if !t.l1.Put(rec) {
		return false
	}
	if t.queue == nil {
		return true
	}
	rec.Symbol = price.NormalizeSymbol(rec.Symbol)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return true
	}
	select {
	case t.queue <- rec:
	default:
		t.logger.Warn("cache write-behind queue full; dropping remote write",
			observability.F("symbol", rec.Symbol),
			observability.F("source", rec.SourceID))
	}
	return true
}

// SetPreferred forwards the promoted source to the in-process layer.
func (t *Tiered) SetPreferred(sourceID string) {
	t.l1.SetPreferred(sourceID)
}

// Hydrate loads symbols from L2 into L1 through the overwrite rule and returns the
// number of accepted records.
func (t *Tiered) Hydrate(ctx context.Context, symbols []string) (int, error) {
	if t.l2 == nil {
		return 0, nil
	}
	records, err := t.l2.Load(ctx, symbols)
	accepted := 0
	for _, rec := range records {
		if t.l1.Put(rec) {
			accepted++
		}
	}
	if err != nil {
		return accepted, fmt.Errorf("hydrate from remote: %w", err)
	}
	return accepted, nil
}

// Seed loads records into L1 without mirroring them to L2.
func (t *Tiered) Seed(records []price.PriceRecord) int {
	accepted := 0
	for _, rec := range records {
		if t.l1.Put(rec) {
			accepted++
		}
	}
	return accepted
}

// Snapshot returns the in-process records.
func (t *Tiered) Snapshot() []price.PriceRecord {
	return t.l1.Snapshot()
}

// Close stops accepting remote writes and drains the queue.
func (t *Tiered) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.queue != nil {
		close(t.queue)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tiered) writeBehind() {
	for rec := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		if err := t.l2.Save(ctx, rec); err != nil {
			t.logger.Warn("cache remote write failed",
				observability.F("symbol", rec.Symbol),
				observability.F("source", rec.SourceID),
				observability.F("error", err))
		}
		cancel()
	}
}
