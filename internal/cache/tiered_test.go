package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/testutil"
)

type fakeRemote struct {
	mu      sync.Mutex
	saved   []price.PriceRecord
	records map[string]price.PriceRecord
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]price.PriceRecord)}
}

func (f *fakeRemote) Save(_ context.Context, rec price.PriceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	f.records[rec.Symbol] = rec
	return nil
}

func (f *fakeRemote) Load(_ context.Context, symbols []string) ([]price.PriceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []price.PriceRecord
	for _, s := range symbols {
		if rec, ok := f.records[price.NormalizeSymbol(s)]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestTieredMirrorsAcceptedWritesInOrder(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	remote := newFakeRemote()
	tiered := NewTiered(newTestStore(clock), remote, TieredConfig{QueueSize: 16})
	t0 := clock.Now()

	tiered.Put(record("BTC", "binance", "1", t0))
	tiered.Put(record("BTC", "coingecko", "2", t0.Add(time.Second)))
	tiered.Put(record("BTC", "binance", "3", t0.Add(2*time.Second)))
	tiered.Close()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.saved) != 2 {
		t.Fatalf("expected only accepted writes mirrored, got %d", len(remote.saved))
	}
	if remote.saved[0].Value.String() != "1" || remote.saved[1].Value.String() != "3" {
		t.Fatalf("unexpected mirrored order: %v, %v", remote.saved[0].Value, remote.saved[1].Value)
	}
}

func TestTieredHydrateAppliesOverwriteRule(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	remote := newFakeRemote()
	t0 := clock.Now()
	remote.records["BTC"] = record("BTC", "coincap", "100", t0.Add(-time.Minute))
	remote.records["ETH"] = record("ETH", "binance", "3000", t0.Add(-time.Second))

	tiered := NewTiered(newTestStore(clock), remote, TieredConfig{})
	defer tiered.Close()
	tiered.Put(record("BTC", "binance", "64000", t0))

	n, err := tiered.Hydrate(context.Background(), []string{"BTC", "ETH", "DOGE"})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 hydrated record, got %d", n)
	}
	rec, _, _ := tiered.Get("BTC")
	if rec.SourceID != "binance" {
		t.Fatalf("older remote record must not replace local one, got %s", rec.SourceID)
	}
	if _, _, ok := tiered.Get("ETH"); !ok {
		t.Fatal("expected ETH to be hydrated")
	}
}

func TestTieredWithoutRemoteIsMemoryOnly(t *testing.T) {
	tiered := NewTiered(NewMemoryStore(), nil, TieredConfig{})
	if !tiered.Put(record("BTC", "binance", "1", time.Now())) {
		t.Fatal("expected put to succeed")
	}
	if n, err := tiered.Hydrate(context.Background(), []string{"BTC"}); n != 0 || err != nil {
		t.Fatalf("unexpected hydrate result %d %v", n, err)
	}
	tiered.Close()
	tiered.Close()
}
