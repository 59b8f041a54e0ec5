// Package persistence keeps last-known prices across restarts: a store contract and the
// checkpointer that copies the in-process cache into it.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
)

// LatestStore persists one current record per symbol.
type LatestStore interface {
	SaveLatest(ctx context.Context, records []price.PriceRecord) (int, error)
	LoadLatest(ctx context.Context) ([]price.PriceRecord, error)
}

// Snapshotter exposes the records held by the in-process cache.
type Snapshotter interface {
	Snapshot() []price.PriceRecord
}

// Seeder accepts stored records into the cache through its overwrite rule.
type Seeder interface {
	Seed(records []price.PriceRecord) int
}

// Checkpointer periodically writes cache snapshots to a LatestStore. It only writes
// records that changed since the previous checkpoint.
type Checkpointer struct {
	store    LatestStore
	cache    Snapshotter
	interval time.Duration
	timeout  time.Duration
	logger   observability.Logger

	last map[string]time.Time
}

// NewCheckpointer constructs a checkpointer running every interval.
func NewCheckpointer(store LatestStore, cache Snapshotter, interval time.Duration, logger observability.Logger) *Checkpointer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checkpointer{
		store:    store,
		cache:    cache,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   observability.OrNop(logger),
		last:     make(map[string]time.Time),
	}
}

// Restore loads stored records into seeder and returns how many were accepted. Records
// keep their stored expiry, so they are served as stale values until a source delivers.
func Restore(ctx context.Context, store LatestStore, seeder Seeder) (int, error) {
	records, err := store.LoadLatest(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore last-known prices: %w", err)
	}
	return seeder.Seed(records), nil
}

// Run checkpoints on every tick until ctx is done, then writes a final checkpoint.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
			_, err := c.Checkpoint(final)
			cancel()
			return err
		case <-ticker.C:
			if _, err := c.Checkpoint(ctx); err != nil {
				c.logger.Warn("price checkpoint failed", observability.F("error", err))
			}
		}
	}
}

// Checkpoint writes the changed records once and returns how many were sent.
func (c *Checkpointer) Checkpoint(ctx context.Context) (int, error) {
	var changed []price.PriceRecord
	for _, rec := range c.cache.Snapshot() {
		if last, ok := c.last[rec.Symbol]; ok && !rec.ObservedAt.After(last) {
			continue
		}
		changed = append(changed, rec)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if _, err := c.store.SaveLatest(ctx, changed); err != nil {
		return 0, fmt.Errorf("checkpoint %d records: %w", len(changed), err)
	}
	for _, rec := range changed {
		c.last[rec.Symbol] = rec.ObservedAt
	}
	c.logger.Debug("price checkpoint written", observability.F("records", len(changed)))
	return len(changed), nil
}
