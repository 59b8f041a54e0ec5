// Package aggregator is the read facade over the price cache: current prices, service
// health and live subscriptions. Reads never wait on the network; cold symbols schedule a
// background warm-up instead.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/cache"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/lib/async"
)

const component = "aggregator"

// ErrNotYetAvailable is returned for symbols that have never been observed.
var ErrNotYetAvailable = errs.New(component, errs.CodeNotYetAvailable, errs.WithMessage("price not yet available"))

const (
	defaultWarmupCooldown = 5 * time.Second
	defaultWarmupTimeout  = 5 * time.Second
)

// Quote is the public view of a cached price.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Value    decimal.Decimal `json:"value"`
	SourceID string          `json:"source"`
	AsOf     time.Time       `json:"asOf"`
	Fresh    bool            `json:"fresh"`
}

// Reader is the cache read path.
type Reader interface {
	Get(symbol string) (price.PriceRecord, bool, bool)
	GetMany(symbols []string) map[string]cache.Entry
}

// Hydrator loads symbols from the distributed cache layer into the local one.
type Hydrator interface {
	Hydrate(ctx context.Context, symbols []string) (int, error)
}

// Supervisor exposes the source coordinator to the facade.
type Supervisor interface {
	Health() price.Health
	RequestWarmup(symbols []string) bool
}

// Subscriber hands out live update streams.
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string) (*broadcast.Subscription, error)
}

// Executor runs fire-and-forget tasks.
type Executor interface {
	Submit(ctx context.Context, fn async.Task) error
}

// Config wires the service collaborators. Reader and Supervisor are required.
type Config struct {
	Reader     Reader
	Supervisor Supervisor
	Hub        Subscriber
	Hydrator   Hydrator
	Executor   Executor
	Logger     observability.Logger
	Clock      func() time.Time

	// WarmupCooldown suppresses repeated warm-ups for the same symbol.
	WarmupCooldown time.Duration
	// WarmupTimeout bounds the distributed cache read of one warm-up.
	WarmupTimeout time.Duration
}

// Service is the aggregation facade.
type Service struct {
	reader     Reader
	supervisor Supervisor
	hub        Subscriber
	hydrator   Hydrator
	executor   Executor
	logger     observability.Logger
	now        func() time.Time

	cooldown time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	metrics *serviceMetrics
}

// New constructs the facade.
func New(cfg Config) (*Service, error) {
	if cfg.Reader == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("cache reader required"))
	}
	if cfg.Supervisor == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("coordinator required"))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.WarmupCooldown <= 0 {
		cfg.WarmupCooldown = defaultWarmupCooldown
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = defaultWarmupTimeout
	}
	return &Service{
		reader:     cfg.Reader,
		supervisor: cfg.Supervisor,
		hub:        cfg.Hub,
		hydrator:   cfg.Hydrator,
		executor:   cfg.Executor,
		logger:     observability.OrNop(cfg.Logger),
		now:        cfg.Clock,
		cooldown:   cfg.WarmupCooldown,
		timeout:    cfg.WarmupTimeout,
		pending:    make(map[string]time.Time),
		metrics:    newServiceMetrics(),
	}, nil
}

// CurrentPrice returns the cached quote for symbol, stale or not. A symbol that has never
// been observed yields ErrNotYetAvailable and schedules a warm-up.
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = price.NormalizeSymbol(symbol)
	if symbol == "" {
		return Quote{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	rec, fresh, found := s.reader.Get(symbol)
	if !found {
		s.metrics.recordRead(ctx, telemetryMiss)
		s.warm([]string{symbol})
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrNotYetAvailable)
	}
	s.metrics.recordRead(ctx, readResult(fresh))
	return quoteOf(rec, fresh), nil
}

// CurrentPrices returns the quotes that are cached and the symbols that are not yet
// available. Missing symbols are warmed up in one batch.
func (s *Service) CurrentPrices(ctx context.Context, symbols []string) (map[string]Quote, []string, error) {
	symbols = price.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	entries := s.reader.GetMany(symbols)
	quotes := make(map[string]Quote, len(entries))
	var missing []string
	for _, symbol := range symbols {
		entry, ok := entries[symbol]
		if !ok {
			s.metrics.recordRead(ctx, telemetryMiss)
			missing = append(missing, symbol)
			continue
		}
		s.metrics.recordRead(ctx, readResult(entry.Fresh))
		quotes[symbol] = quoteOf(entry.Record, entry.Fresh)
	}
	if len(missing) > 0 {
		s.warm(missing)
	}
	return quotes, missing, nil
}

// Health reports the coordinator's view with the last tick age computed now.
func (s *Service) Health() price.Health {
	return s.supervisor.Health()
}

// Subscribe opens a live update stream for symbols (all symbols when empty). The stream
// closes when ctx is done, the subscription is closed, or the hub shuts down.
func (s *Service) Subscribe(ctx context.Context, symbols []string) (*broadcast.Subscription, error) {
	if s.hub == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("broadcast disabled"))
	}
	symbols = price.NormalizeSymbols(symbols)
	sub, err := s.hub.Subscribe(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if len(symbols) > 0 {
		var cold []string
		entries := s.reader.GetMany(symbols)
		for _, symbol := range symbols {
			if _, ok := entries[symbol]; !ok {
				cold = append(cold, symbol)
			}
		}
		if len(cold) > 0 {
			s.warm(cold)
		}
	}
	return sub, nil
}

// warm schedules one background warm-up for the symbols outside their cooldown.
func (s *Service) warm(symbols []string) {
	due := s.claim(symbols)
	if len(due) == 0 {
		s.metrics.recordWarmup(context.Background(), warmupSkipped)
		return
	}
	task := func(ctx context.Context) error { return s.runWarmup(ctx, due) }
	if s.executor == nil {
		go func() { _ = task(context.Background()) }()
		s.metrics.recordWarmup(context.Background(), warmupScheduled)
		return
	}
	if err := s.executor.Submit(context.Background(), task); err != nil {
		s.release(due)
		s.metrics.recordWarmup(context.Background(), warmupRejected)
		s.logger.Warn("warm-up not scheduled",
			observability.F("symbols", due),
			observability.F("error", err))
		return
	}
	s.metrics.recordWarmup(context.Background(), warmupScheduled)
}

// runWarmup hydrates from the distributed layer first and asks the coordinator to poll
// whatever is still cold.
func (s *Service) runWarmup(ctx context.Context, symbols []string) error {
	if s.hydrator != nil {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		n, err := s.hydrator.Hydrate(hctx, symbols)
		cancel()
		if err != nil {
			s.logger.Warn("warm-up hydrate failed",
				observability.F("symbols", symbols),
				observability.F("error", err))
		} else if n > 0 {
			s.logger.Debug("warm-up hydrated from remote cache",
				observability.F("symbols", symbols),
				observability.F("accepted", n))
		}
	}
	entries := s.reader.GetMany(symbols)
	var cold []string
	for _, symbol := range symbols {
		if _, ok := entries[symbol]; !ok {
			cold = append(cold, symbol)
		}
	}
	if len(cold) == 0 {
		return nil
	}
	if !s.supervisor.RequestWarmup(cold) {
		s.release(cold)
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("coordinator busy; warm-up for %d symbols dropped", len(cold))))
	}
	return nil
}

func (s *Service) claim(symbols []string) []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, last := range s.pending {
		if now.Sub(last) >= s.cooldown {
			delete(s.pending, symbol)
		}
	}
	due := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if last, ok := s.pending[symbol]; ok && now.Sub(last) < s.cooldown {
			continue
		}
		s.pending[symbol] = now
		due = append(due, symbol)
	}
	return due
}

func (s *Service) release(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, symbol := range symbols {
		delete(s.pending, symbol)
	}
}

func quoteOf(rec price.PriceRecord, fresh bool) Quote {
	return Quote{
		Symbol:   rec.Symbol,
		Value:    rec.Value,
		SourceID: rec.SourceID,
		AsOf:     rec.ObservedAt,
		Fresh:    fresh,
	}
}
