// Package coordinator owns the source descriptors and drives failover between price
// sources. Adapters only report events; every state change happens on the coordinator's
// single event loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
)

// Writer is the cache write path used for accepted ticks.
type Writer interface {
	Put(record price.PriceRecord) bool
	// SetPreferred tells the cache which source is currently promoted.
	SetPreferred(sourceID string)
}

// Publisher receives every tick the cache accepted.
type Publisher interface {
	Publish(ctx context.Context, update broadcast.Update) error
}

// Member is one configured source handed to the coordinator.
type Member struct {
	Adapter  source.Adapter
	Priority int
	// PollInterval overrides Config.PollInterval for polled sources.
	PollInterval time.Duration
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger routes coordinator logs to logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = observability.OrNop(logger)
	}
}

// WithPublisher fans accepted ticks out to publisher.
func WithPublisher(publisher Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = publisher
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSymbols seeds the tracked symbol set polled by request/response sources.
func WithSymbols(symbols []string) Option {
	return func(c *Coordinator) {
		for _, symbol := range price.NormalizeSymbols(symbols) {
			c.tracked[symbol] = struct{}{}
		}
	}
}

type member struct {
	adapter  source.Adapter
	poller   source.Poller
	interval time.Duration
	policy   *Policy
	desc     price.SourceDescriptor

	run    uint64
	cancel context.CancelFunc
}

// Coordinator is the failover state machine.
type Coordinator struct {
	cfg       Config
	members   []*member
	byID      map[string]*member
	writer    Writer
	publisher Publisher
	logger    observability.Logger
	now       func() time.Time
	metrics   *coordinatorMetrics

	events  chan source.Event
	warmups chan []string
	started atomic.Bool
	status  atomic.Pointer[Status]
	symbols atomic.Pointer[[]string]

	// Owned by the Run loop.
	ctx        context.Context
	active     *member
	standby    *member
	generation uint64
	lastTickAt time.Time
	tracked    map[string]struct{}
	timer      *time.Timer
	wg         conc.WaitGroup
}

// New validates cfg and builds a coordinator over members ordered by ascending priority.
func New(cfg Config, members []Member, writer Writer, opts ...Option) (*Coordinator, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("coordinator: cache writer required")
	}
	if len(members) == 0 {
		return nil, errors.New("coordinator: at least one source required")
	}

	c := &Coordinator{
		cfg:     cfg,
		byID:    make(map[string]*member, len(members)),
		writer:  writer,
		logger:  observability.Nop(),
		now:     time.Now,
		events:  make(chan source.Event, cfg.EventBuffer),
		warmups: make(chan []string, 16),
		tracked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	for _, spec := range members {
		if spec.Adapter == nil {
			return nil, errors.New("coordinator: nil adapter")
		}
		id := spec.Adapter.ID()
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("coordinator: duplicate source id %q", id)
		}
		m := &member{
			adapter:  spec.Adapter,
			interval: spec.PollInterval,
			policy:   NewPolicy(cfg.BackoffFloor, cfg.BackoffCeiling),
			desc: price.SourceDescriptor{
				ID:       id,
				Priority: spec.Priority,
				Kind:     spec.Adapter.Kind(),
				State:    price.StateDisconnected,
			},
		}
		if m.interval <= 0 {
			m.interval = cfg.PollInterval
		}
		if poller, ok := spec.Adapter.(source.Poller); ok {
			m.poller = poller
		}
		c.byID[id] = m
		c.members = append(c.members, m)
	}
	sort.SliceStable(c.members, func(i, j int) bool {
		return c.members[i].desc.Priority < c.members[j].desc.Priority
	})

	c.metrics = newCoordinatorMetrics()
	c.storeSymbols()
	c.publishStatus()
	return c, nil
}

// Run starts the highest-priority source and processes events until ctx is done. On
// return every runner has exited and every source is Stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("coordinator requires context")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	c.ctx = ctx
	c.timer = time.NewTimer(time.Hour)
	c.timer.Stop()

	c.logger.Info("coordinator starting",
		observability.F("sources", len(c.members)),
		observability.F("symbols", len(c.tracked)))
	c.promote(nil)
	c.rearm()
	c.publishStatus()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case evt := <-c.events:
			c.handle(evt)
		case symbols := <-c.warmups:
			c.warmup(symbols)
		case <-c.timer.C:
			c.onTimer()
		}
	}
}

// RequestWarmup asks for a one-off poll of symbols. It never blocks and reports whether
// the request was queued.
func (c *Coordinator) RequestWarmup(symbols []string) bool {
	symbols = price.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return false
	}
	select {
	case c.warmups <- symbols:
		return true
	default:
		return false
	}
}

// Status returns the latest immutable snapshot of source state.
func (c *Coordinator) Status() Status {
	st := c.status.Load()
	if st == nil {
		return Status{}
	}
	out := *st
	out.Sources = append([]price.SourceDescriptor(nil), st.Sources...)
	return out
}

// Health maps the current status onto the service health model.
func (c *Coordinator) Health() price.Health {
	return c.Status().Health(c.now())
}

// Symbols returns the tracked symbol set.
func (c *Coordinator) Symbols() []string {
	if s := c.symbols.Load(); s != nil {
		return append([]string(nil), (*s)...)
	}
	return nil
}

func (c *Coordinator) handle(evt source.Event) {
	m := c.byID[evt.SourceID]
	if m == nil {
		return
	}
	if len(evt.Ticks) > 0 {
		c.apply(evt)
	}
	if evt.Warmup {
		c.track(evt.Ticks)
		if evt.Err != nil {
			c.logger.Warn("coordinator: warm-up poll failed",
				observability.F("source", evt.SourceID),
				observability.F("error", evt.Err))
		}
		c.publishStatus()
		return
	}
	// Late events from a torn-down run only contribute their ticks.
	if evt.Run == 0 || evt.Run != m.run {
		if len(evt.Ticks) > 0 {
			c.publishStatus()
		}
		return
	}
	switch {
	case evt.Err != nil:
		c.onFailure(m, evt.Err, evt.Fatal)
	case len(evt.Ticks) > 0:
		c.onSuccess(m, evt.At)
	}
	c.rearm()
	c.publishStatus()
}

func (c *Coordinator) apply(evt source.Event) {
	for _, tick := range evt.Ticks {
		tick.SourceID = evt.SourceID
		rec := price.NewRecord(tick, c.cfg.TTL)
		if !c.writer.Put(rec) {
			c.metrics.recordTick(c.ctx, evt.SourceID, false)
			continue
		}
		c.metrics.recordTick(c.ctx, evt.SourceID, true)
		if rec.ObservedAt.After(c.lastTickAt) {
			c.lastTickAt = rec.ObservedAt
		}
		if c.publisher == nil {
			continue
		}
		if err := c.publisher.Publish(c.ctx, broadcast.UpdateFromRecord(rec)); err != nil {
			c.logger.Debug("coordinator: publish update failed",
				observability.F("symbol", rec.Symbol),
				observability.F("error", err))
		}
	}
}

func (c *Coordinator) onSuccess(m *member, at time.Time) {
	if at.IsZero() {
		at = c.now()
	}
	prev := m.desc.State
	m.desc.ConsecutiveFailures = 0
	m.desc.LastSuccessAt = at.UTC()
	m.desc.LastError = ""
	m.policy.Reset()
	if prev == price.StateConnected {
		return
	}
	c.transition(m, price.StateConnected, "tick")
	if prev == price.StateDegraded {
		c.clearStandby()
	}
}

func (c *Coordinator) onFailure(m *member, err error, fatal bool) {
	m.desc.LastError = err.Error()
	if errs.Is(err, errs.CodeRateLimited) {
		c.pause(m, err)
		return
	}
	m.desc.ConsecutiveFailures++
	c.logger.Warn("coordinator: source failure",
		observability.F("source", m.desc.ID),
		observability.F("state", m.desc.State.String()),
		observability.F("consecutive_failures", m.desc.ConsecutiveFailures),
		observability.F("fatal", fatal),
		observability.F("code", string(errs.CodeOf(err))),
		observability.F("error", err))

	switch {
	case fatal:
		c.demote(m, "fatal")
	case m.desc.ConsecutiveFailures >= c.cfg.BackoffThreshold:
		c.demote(m, "failure_threshold")
	case m.desc.ConsecutiveFailures >= c.cfg.DegradeThreshold && m.desc.State == price.StateConnected:
		c.transition(m, price.StateDegraded, "failure_threshold")
		c.designateStandby(m)
	}
}

// pause holds a rate-limited source for the provider's retry-after, outside the
// exponential schedule. A pause within the TTL keeps the source active so cached values
// stay fresh until it resumes; a longer pause hands over to the next eligible source.
func (c *Coordinator) pause(m *member, err error) {
	delay := errs.RetryAfterOf(err)
	if delay <= 0 {
		delay = c.cfg.RateLimitPause
	}
	c.teardown(m)
	m.desc.Paused = true
	m.desc.LastBackoff = delay
	m.desc.NextRetryAt = c.now().Add(delay).UTC()
	c.logger.Warn("coordinator: source rate limited; pausing",
		observability.F("source", m.desc.ID),
		observability.F("pause", delay.String()),
		observability.F("error", err))
	c.transition(m, price.StateBackoff, "rate_limited")
	c.metrics.recordBackoff(c.ctx, m.desc.ID, delay, "rate_limited")
	if delay <= c.cfg.TTL {
		return
	}
	m.desc.Active = false
	if c.active == m {
		c.active = nil
	}
	c.clearStandby()
	c.promote(m)
}

func (c *Coordinator) demote(m *member, reason string) {
	delay := m.policy.Next()
	c.teardown(m)
	m.desc.Active = false
	m.desc.Paused = false
	m.desc.LastBackoff = delay
	m.desc.NextRetryAt = c.now().Add(delay).UTC()
	c.transition(m, price.StateBackoff, reason)
	c.metrics.recordBackoff(c.ctx, m.desc.ID, delay, reason)
	c.logger.Warn("coordinator: source demoted",
		observability.F("source", m.desc.ID),
		observability.F("backoff", delay.String()),
		observability.F("next_retry_at", m.desc.NextRetryAt),
		observability.F("reason", reason))
	if c.active == m {
		c.active = nil
	}
	c.clearStandby()
	c.promote(m)
}

// promote starts the best eligible source other than exclude. It reports false when
// every source is backing off.
func (c *Coordinator) promote(exclude *member) bool {
	next := c.bestEligible(c.now(), exclude)
	if next == nil {
		c.logger.Error("coordinator: all sources in backoff; serving cached prices",
			observability.F("sources", len(c.members)))
		return false
	}
	c.startRun(next, exclude)
	return true
}

func (c *Coordinator) bestEligible(now time.Time, exclude *member) *member {
	for _, m := range c.members {
		if m == exclude {
			continue
		}
		if m.desc.Eligible(now) {
			return m
		}
	}
	return nil
}

func (c *Coordinator) designateStandby(active *member) {
	next := c.bestEligible(c.now(), active)
	if next == nil {
		return
	}
	c.clearStandby()
	c.standby = next
	next.desc.Standby = true
	c.logger.Info("coordinator: standby designated",
		observability.F("active", active.desc.ID),
		observability.F("standby", next.desc.ID))
}

func (c *Coordinator) clearStandby() {
	if c.standby != nil {
		c.standby.desc.Standby = false
		c.standby = nil
	}
}

func (c *Coordinator) startRun(m *member, from *member) {
	c.generation++
	m.run = c.generation
	runCtx, cancel := context.WithCancel(c.ctx)
	m.cancel = cancel

	if c.standby == m {
		c.clearStandby()
	}
	c.active = m
	m.desc.Active = true
	m.desc.Paused = false
	c.transition(m, price.StateConnecting, "start")
	c.writer.SetPreferred(m.desc.ID)
	if from != nil && from != m {
		c.metrics.recordFailover(c.ctx, from.desc.ID, m.desc.ID)
		c.logger.Info("coordinator: failover",
			observability.F("from", from.desc.ID),
			observability.F("to", m.desc.ID))
	}

	id := m.desc.ID
	adapter := m.adapter
	sink := c.sinkFor(id, m.run, false)
	if m.desc.Kind == price.KindPolled {
		poller := m.poller
		interval := m.interval
		c.wg.Go(func() { c.pollLoop(runCtx, id, adapter, poller, interval, sink) })
		return
	}
	c.wg.Go(func() { c.streamLoop(runCtx, id, adapter, sink) })
}

func (c *Coordinator) teardown(m *member) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.run = 0
}

func (c *Coordinator) onTimer() {
	now := c.now()
	if a := c.active; a != nil {
		if a.desc.State == price.StateBackoff && a.desc.Paused && !now.Before(a.desc.NextRetryAt) {
			c.logger.Info("coordinator: rate limit pause elapsed; resuming",
				observability.F("source", a.desc.ID))
			c.startRun(a, nil)
		}
	} else {
		c.promote(nil)
	}
	c.rearm()
	c.publishStatus()
}

// rearm points the timer at the next retry deadline: the paused active source's, or the
// earliest backoff expiry when no source is active.
func (c *Coordinator) rearm() {
	var deadline time.Time
	if a := c.active; a != nil {
		if a.desc.State == price.StateBackoff {
			deadline = a.desc.NextRetryAt
		}
	} else {
		for _, m := range c.members {
			if m.desc.State != price.StateBackoff {
				continue
			}
			if deadline.IsZero() || m.desc.NextRetryAt.Before(deadline) {
				deadline = m.desc.NextRetryAt
			}
		}
	}
	c.timer.Stop()
	if deadline.IsZero() {
		return
	}
	wait := deadline.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	c.timer.Reset(wait)
}

func (c *Coordinator) warmup(symbols []string) {
	now := c.now()
	var target *member
	for _, m := range c.members {
		if m.poller != nil && m.desc.Eligible(now) {
			target = m
			break
		}
	}
	if target == nil {
		c.logger.Debug("coordinator: no polled source available for warm-up",
			observability.F("symbols", symbols))
		return
	}
	c.metrics.recordWarmup(c.ctx, target.desc.ID)

	id := target.desc.ID
	poller := target.poller
	sink := c.sinkFor(id, 0, true)
	c.wg.Go(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollTimeout)
		defer cancel()
		_ = source.PollOnce(ctx, id, poller, symbols, c.now, sink)
	})
}

func (c *Coordinator) transition(m *member, to price.ConnectionState, reason string) {
	from := m.desc.State
	if from == to {
		return
	}
	m.desc.State = to
	c.logger.Info("coordinator: source state transition",
		observability.F("source", m.desc.ID),
		observability.F("from", from.String()),
		observability.F("to", to.String()),
		observability.F("reason", reason))
	c.metrics.recordTransition(c.ctx, m.desc.ID, to)
}

func (c *Coordinator) shutdown() error {
	for _, m := range c.members {
		c.teardown(m)
		m.desc.Active = false
		m.desc.Standby = false
		m.desc.Paused = false
		c.transition(m, price.StateStopped, "shutdown")
	}
	c.active = nil
	c.standby = nil
	c.timer.Stop()
	c.publishStatus()

	c.wg.Wait()

	stopErrs := make([]error, 0, len(c.members))
	for _, m := range c.members {
		if err := m.adapter.Stop(); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("stop %s: %w", m.desc.ID, err))
		}
	}
	c.logger.Info("coordinator stopped")
	return observability.AggregateErrors("coordinator shutdown", stopErrs)
}

// track adds the symbols a warm-up poll returned prices for, up to MaxSymbols.
func (c *Coordinator) track(ticks []price.Tick) {
	added := 0
	for _, tick := range ticks {
		symbol := price.NormalizeSymbol(tick.Symbol)
		if _, ok := c.tracked[symbol]; ok || symbol == "" {
			continue
		}
		if len(c.tracked) >= c.cfg.MaxSymbols {
			c.logger.Warn("coordinator: tracked symbol limit reached",
				observability.F("symbol", symbol),
				observability.F("limit", c.cfg.MaxSymbols))
			break
		}
		c.tracked[symbol] = struct{}{}
		added++
	}
	if added > 0 {
		c.storeSymbols()
	}
}

func (c *Coordinator) storeSymbols() {
	symbols := make([]string, 0, len(c.tracked))
	for symbol := range c.tracked {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	c.symbols.Store(&symbols)
}

func (c *Coordinator) publishStatus() {
	st := &Status{
		Sources:    make([]price.SourceDescriptor, len(c.members)),
		LastTickAt: c.lastTickAt,
	}
	for i, m := range c.members {
		st.Sources[i] = m.desc
	}
	if c.active != nil {
		st.ActiveSource = c.active.desc.ID
	}
	if c.standby != nil {
		st.StandbySource = c.standby.desc.ID
	}
	c.status.Store(st)
}
