package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/internal/cache"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/testutil"
)

type memoryLatest struct {
	mu      sync.Mutex
	rows    map[string]price.PriceRecord
	saves   int
	saveErr error
}

func newMemoryLatest() *memoryLatest {
	return &memoryLatest{rows: make(map[string]price.PriceRecord)}
}

func (m *memoryLatest) SaveLatest(_ context.Context, records []price.PriceRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saves++
	for _, rec := range records {
		m.rows[rec.Symbol] = rec
	}
	return len(records), nil
}

func (m *memoryLatest) LoadLatest(context.Context) ([]price.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]price.PriceRecord, 0, len(m.rows))
	for _, rec := range m.rows {
		out = append(out, rec)
	}
	return out, nil
}

func record(symbol, value string, at time.Time) price.PriceRecord {
	return price.NewRecord(price.Tick{
		Symbol:     symbol,
		Value:      decimal.RequireFromString(value),
		SourceID:   "binance",
		ObservedAt: at,
	}, 30*time.Second)
}

func TestCheckpointWritesOnlyChangedRecords(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	mem := cache.NewMemoryStore(cache.WithClock(clock.Now))
	store := newMemoryLatest()
	cp := NewCheckpointer(store, mem, time.Minute, nil)
	ctx := context.Background()

	mem.Put(record("BTC", "50000", clock.Now()))
	mem.Put(record("ETH", "3000", clock.Now()))
	if n, err := cp.Checkpoint(ctx); err != nil || n != 2 {
		t.Fatalf("first checkpoint: n=%d err=%v", n, err)
	}
	if n, _ := cp.Checkpoint(ctx); n != 0 {
		t.Fatalf("expected no-op checkpoint, wrote %d", n)
	}

	clock.Advance(time.Second)
	mem.Put(record("BTC", "50100", clock.Now()))
	if n, err := cp.Checkpoint(ctx); err != nil || n != 1 {
		t.Fatalf("incremental checkpoint: n=%d err=%v", n, err)
	}
	if store.rows["BTC"].Value.String() != "50100" {
		t.Fatalf("expected latest BTC persisted, got %s", store.rows["BTC"].Value)
	}
}

func TestCheckpointRetriesAfterFailure(t *testing.T) {
	mem := cache.NewMemoryStore()
	store := newMemoryLatest()
	store.saveErr = errors.New("db down")
	cp := NewCheckpointer(store, mem, time.Minute, nil)

	mem.Put(record("BTC", "50000", time.Now()))
	if _, err := cp.Checkpoint(context.Background()); err == nil {
		t.Fatal("expected checkpoint error")
	}
	store.saveErr = nil
	if n, err := cp.Checkpoint(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected retry to write the record: n=%d err=%v", n, err)
	}
}

func TestRunWritesFinalCheckpointOnCancel(t *testing.T) {
	mem := cache.NewMemoryStore()
	store := newMemoryLatest()
	cp := NewCheckpointer(store, mem, time.Hour, nil)
	mem.Put(record("SOL", "150", time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := store.rows["SOL"]; !ok {
		t.Fatal("expected final checkpoint to persist SOL")
	}
}

func TestRestoreServesStoredValuesAsStale(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	store := newMemoryLatest()
	store.rows["BTC"] = record("BTC", "49000", clock.Now().Add(-time.Hour))

	mem := cache.NewMemoryStore(cache.WithClock(clock.Now))
	tiered := cache.NewTiered(mem, nil, cache.TieredConfig{})
	defer tiered.Close()

	n, err := Restore(context.Background(), store, tiered)
	if err != nil || n != 1 {
		t.Fatalf("Restore: n=%d err=%v", n, err)
	}
	rec, fresh, found := mem.Get("BTC")
	if !found || fresh {
		t.Fatalf("expected stale restored record, found=%v fresh=%v", found, fresh)
	}
	if rec.Value.String() != "49000" {
		t.Fatalf("unexpected restored value %s", rec.Value)
	}
}
