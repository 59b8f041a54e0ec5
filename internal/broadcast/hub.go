// Package broadcast fans accepted price updates out to in-process subscribers.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
	"github.com/coachpo/pricefeed/internal/observability"
)

// Update is one accepted price pushed to subscribers.
type Update struct {
	Symbol   string          `json:"symbol"`
	Value    decimal.Decimal `json:"value"`
	SourceID string          `json:"source"`
	AsOf     time.Time       `json:"asOf"`
}

// UpdateFromRecord converts a cached record into an update.
func UpdateFromRecord(rec price.PriceRecord) Update {
	return Update{
		Symbol:   rec.Symbol,
		Value:    rec.Value,
		SourceID: rec.SourceID,
		AsOf:     rec.ObservedAt,
	}
}

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// Config configures subscriber buffers and dispatch parallelism.
type Config struct {
	BufferSize int
	Workers    int
	Logger     observability.Logger
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	c.Logger = observability.OrNop(c.Logger)
	return c
}

// Hub is an in-memory fan-out of price updates.
type Hub struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*Subscription
	shutdownOnce sync.Once

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
}

// Subscription receives updates for a symbol set until closed.
type Subscription struct {
	id      SubscriptionID
	symbols map[string]struct{}
	hub     *Hub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	ch     chan Update
	closed bool
}

// NewHub constructs an empty hub.
func NewHub(cfg Config) *Hub {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	hub := new(Hub)
	hub.cfg = cfg
	hub.ctx = ctx
	hub.cancel = cancel
	hub.subscribers = make(map[SubscriptionID]*Subscription)

	meter := otel.Meter("broadcast")
	hub.publishedCounter, _ = meter.Int64Counter("broadcast.updates.published",
		metric.WithDescription("Number of price updates published to the hub"),
		metric.WithUnit("{update}"))
	hub.subscriberGauge, _ = meter.Int64UpDownCounter("broadcast.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	hub.droppedCounter, _ = meter.Int64Counter("broadcast.delivery.dropped",
		metric.WithDescription("Updates dropped because a subscriber buffer was full"),
		metric.WithUnit("{update}"))
	hub.fanoutHistogram, _ = meter.Int64Histogram("broadcast.fanout.size",
		metric.WithDescription("Number of subscribers per published update"),
		metric.WithUnit("{subscriber}"))
	return hub
}

// Publish delivers update to every subscriber interested in its symbol. Slow subscribers
// lose their oldest buffered update instead of blocking the publisher.
func (h *Hub) Publish(ctx context.Context, update Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	update.Symbol = price.NormalizeSymbol(update.Symbol)
	if update.Symbol == "" {
		return errs.New("broadcast/publish", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if h.ctx.Err() != nil {
		return errs.New("broadcast/publish", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.wants(update.Symbol) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	attrs := telemetry.SourceAttributes(telemetry.Environment(), update.SourceID)
	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(len(targets)), metric.WithAttributes(attrs...))
	}
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(h.cfg.Workers)
	for _, sub := range targets {
		p.Go(func() {
			h.deliver(ctx, sub, update)
		})
	}
	p.Wait()

	if h.publishedCounter != nil {
		h.publishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers interest in symbols; an empty set receives every update. The
// subscription closes when ctx is done, on Close, or when the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context, symbols []string) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.ctx.Err() != nil {
		return nil, errs.New("broadcast/subscribe", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:     SubscriptionID(uuid.NewString()),
		hub:    h,
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan Update, h.cfg.BufferSize),
	}
	if normalized := price.NormalizeSymbols(symbols); len(normalized) > 0 {
		sub.symbols = make(map[string]struct{}, len(normalized))
		for _, symbol := range normalized {
			sub.symbols[symbol] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		cancel()
		return nil, errs.New("broadcast/subscribe", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go h.observe(sub)
	return sub, nil
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close shuts down the hub and every subscription.
func (h *Hub) Close() {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		h.cancel()
		subs := make([]*Subscription, 0, len(h.subscribers))
		for _, sub := range h.subscribers {
			subs = append(subs, sub)
		}
		h.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
	})
}

// observe removes sub once its context ends, whether cancelled by the consumer or closed.
func (h *Hub) observe(sub *Subscription) {
	select {
	case <-sub.ctx.Done():
	case <-h.ctx.Done():
	}
	h.remove(sub)
	sub.shutdown()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stored, ok := h.subscribers[sub.id]; ok && stored == sub {
		delete(h.subscribers, sub.id)
		if h.subscriberGauge != nil {
			h.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
	}
}

func (h *Hub) deliver(ctx context.Context, sub *Subscription, update Update) {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- update:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	h.cfg.Logger.Debug("broadcast: subscriber buffer full; dropped oldest update",
		observability.F("subscription", string(sub.id)),
		observability.F("symbol", update.Symbol))
	if h.droppedCounter != nil {
		attrs := telemetry.SourceAttributes(telemetry.Environment(), update.SourceID)
		attrs = append(attrs, telemetry.AttrSymbol.String(update.Symbol))
		h.droppedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	select {
	case sub.ch <- update:
	default:
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() SubscriptionID { return s.id }

// C returns the update channel; it is closed when the subscription ends.
func (s *Subscription) C() <-chan Update { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Close ends the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.cancel()
	s.hub.remove(s)
	s.shutdown()
}

func (s *Subscription) wants(symbol string) bool {
	if s.symbols == nil {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
