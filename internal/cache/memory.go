package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
	"github.com/coachpo/pricefeed/internal/observability"
)

// Rejection reasons reported when a put is ignored.
const (
	ReasonOlder         = "older_observation"
	ReasonLowerPriority = "lower_priority_fresh"
	ReasonInvalid       = "invalid_record"
)

// MemoryStore is the in-process price layer. Each symbol owns an atomic pointer that is
// replaced wholesale, so readers never observe a partially written record.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*atomic.Pointer[entry]

	now        func() time.Time
	priorities map[string]int
	preferred  atomic.Pointer[string]
	logger     observability.Logger

	readCounter metric.Int64Counter
	putCounter  metric.Int64Counter
}

// entry is the eviction bookkeeping wrapped around a record.
type entry struct {
	record   price.PriceRecord
	storedAt time.Time
	version  uint64
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPriorities sets source priorities used by the overwrite rule; lower is preferred.
// Sources missing from the map rank below every configured source.
func WithPriorities(priorities map[string]int) MemoryOption {
	return func(s *MemoryStore) {
		s.priorities = make(map[string]int, len(priorities))
		for id, p := range priorities {
			s.priorities[id] = p
		}
	}
}

// WithLogger routes rejection logs to logger.
func WithLogger(logger observability.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = observability.OrNop(logger)
	}
}

// NewMemoryStore creates an empty in-process price store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string]*atomic.Pointer[entry])
	store.now = time.Now
	store.priorities = map[string]int{}
	store.logger = observability.Nop()
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	meter := otel.Meter("cache")
	store.readCounter, _ = meter.Int64Counter("cache.reads",
		metric.WithDescription("Price cache reads by freshness result"),
		metric.WithUnit("{read}"))
	store.putCounter, _ = meter.Int64Counter("cache.puts",
		metric.WithDescription("Price cache writes by outcome"),
		metric.WithUnit("{put}"))
	return store
}

// Get returns the record for symbol, even when stale, with its freshness.
func (s *MemoryStore) Get(symbol string) (price.PriceRecord, bool, bool) {
	symbol = price.NormalizeSymbol(symbol)
	s.mu.RLock()
	slot, ok := s.records[symbol]
	s.mu.RUnlock()
	if !ok {
		s.recordRead(telemetry.ResultMiss)
		return price.PriceRecord{}, false, false
	}
	current := slot.Load()
	if current == nil {
		s.recordRead(telemetry.ResultMiss)
		return price.PriceRecord{}, false, false
	}
	fresh := !current.record.Stale(s.now())
	if fresh {
		s.recordRead(telemetry.ResultFresh)
	} else {
		s.recordRead(telemetry.ResultStale)
	}
	return current.record, fresh, true
}

// GetMany returns entries for the symbols that have a record; misses are omitted.
func (s *MemoryStore) GetMany(symbols []string) map[string]Entry {
	out := make(map[string]Entry, len(symbols))
	for _, symbol := range price.NormalizeSymbols(symbols) {
		rec, fresh, ok := s.Get(symbol)
		if !ok {
			continue
		}
		out[symbol] = Entry{Record: rec, Fresh: fresh}
	}
	return out
}

// Put applies the overwrite rule and reports whether the record was stored.
func (s *MemoryStore) Put(record price.PriceRecord) bool {
	record.Symbol = price.NormalizeSymbol(record.Symbol)
	if record.Symbol == "" || record.ObservedAt.IsZero() {
		s.reject(record, price.PriceRecord{}, ReasonInvalid)
		return false
	}
	slot := s.slot(record.Symbol)
	for {
		now := s.now()
		current := slot.Load()
		next := &entry{record: record, storedAt: now, version: 1}
		if current != nil {
			if reason := s.rejectReason(current.record, record, now); reason != "" {
				s.reject(record, current.record, reason)
				return false
			}
			next.version = current.version + 1
		}
		if slot.CompareAndSwap(current, next) {
			s.recordPut(record.SourceID, telemetry.ResultAccepted, "")
			return true
		}
	}
}

// Snapshot returns every stored record ordered by symbol.
func (s *MemoryStore) Snapshot() []price.PriceRecord {
	s.mu.RLock()
	out := make([]price.PriceRecord, 0, len(s.records))
	for _, slot := range s.records {
		if current := slot.Load(); current != nil {
			out = append(out, current.record)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of symbols with a stored record.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// SetPreferred marks the source currently promoted by the coordinator. It outranks every
// configured priority until another source is preferred; an empty id clears it.
func (s *MemoryStore) SetPreferred(sourceID string) {
	if sourceID == "" {
		s.preferred.Store(nil)
		return
	}
	s.preferred.Store(&sourceID)
}

// Rank returns the effective priority of a source.
func (s *MemoryStore) Rank(sourceID string) int {
	if preferred := s.preferred.Load(); preferred != nil && *preferred == sourceID {
		return math.MinInt
	}
	if p, ok := s.priorities[sourceID]; ok {
		return p
	}
	return math.MaxInt
}

func (s *MemoryStore) rejectReason(existing, incoming price.PriceRecord, now time.Time) string {
	if incoming.ObservedAt.Before(existing.ObservedAt) {
		return ReasonOlder
	}
	if !existing.Stale(now) && s.Rank(incoming.SourceID) > s.Rank(existing.SourceID) {
		return ReasonLowerPriority
	}
	return ""
}

func (s *MemoryStore) slot(symbol string) *atomic.Pointer[entry] {
	s.mu.RLock()
	slot, ok := s.records[symbol]
	s.mu.RUnlock()
	if ok {
		return slot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.records[symbol]; ok {
		return slot
	}
	slot = new(atomic.Pointer[entry])
	s.records[symbol] = slot
	return slot
}

func (s *MemoryStore) reject(incoming, existing price.PriceRecord, reason string) {
	s.logger.Debug("cache put rejected",
		observability.F("symbol", incoming.Symbol),
		observability.F("source", incoming.SourceID),
		observability.F("existing_source", existing.SourceID),
		observability.F("observed_at", incoming.ObservedAt),
		observability.F("existing_observed_at", existing.ObservedAt),
		observability.F("reason", reason),
	)
	s.recordPut(incoming.SourceID, telemetry.ResultRejected, reason)
}

func (s *MemoryStore) recordRead(result string) {
	if s.readCounter == nil {
		return
	}
	s.readCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ResultAttributes(telemetry.Environment(), "cache.get", result)...))
}

func (s *MemoryStore) recordPut(source, result, reason string) {
	if s.putCounter == nil {
		return
	}
	attrs := telemetry.ResultAttributes(telemetry.Environment(), "cache.put", result)
	attrs = append(attrs, telemetry.AttrSource.String(source))
	if reason != "" {
		attrs = append(attrs, telemetry.AttrReason.String(reason))
	}
	s.putCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
