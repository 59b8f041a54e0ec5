package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/cache"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/source"
)

const waitFor = 3 * time.Second

type streamStep struct {
	symbol string
	value  string
	err    error
	end    bool
}

// scriptedStream emits one event per scripted step until the run is cancelled.
type scriptedStream struct {
	id     string
	steps  chan streamStep
	starts atomic.Int32
	stops  atomic.Int32
}

func newScriptedStream(id string) *scriptedStream {
	return &scriptedStream{id: id, steps: make(chan streamStep, 16)}
}

func (s *scriptedStream) ID() string       { return s.id }
func (s *scriptedStream) Kind() price.Kind { return price.KindStreaming }
func (s *scriptedStream) Stop() error      { s.stops.Add(1); return nil }

func (s *scriptedStream) Start(ctx context.Context, sink source.Sink) error {
	s.starts.Add(1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case step := <-s.steps:
			now := time.Now().UTC()
			switch {
			case step.end:
				return errs.New(s.id, errs.CodeUpstreamUnavailable, errs.WithMessage("connection lost"))
			case step.err != nil:
				sink(source.Event{SourceID: s.id, Err: step.err, At: now})
			default:
				sink(source.Event{SourceID: s.id, At: now, Ticks: []price.Tick{{
					Symbol:     step.symbol,
					Value:      decimal.RequireFromString(step.value),
					SourceID:   s.id,
					ObservedAt: now,
				}}})
			}
		}
	}
}

type respondFunc func(call int, symbols []string) (map[string]decimal.Decimal, error)

// scriptedPoller answers polls through respond and records what was asked.
type scriptedPoller struct {
	id      string
	respond respondFunc
	calls   atomic.Int32
	stops   atomic.Int32

	mu        sync.Mutex
	requested [][]string
}

func newScriptedPoller(id string, respond respondFunc) *scriptedPoller {
	return &scriptedPoller{id: id, respond: respond}
}

func (p *scriptedPoller) ID() string       { return p.id }
func (p *scriptedPoller) Kind() price.Kind { return price.KindPolled }
func (p *scriptedPoller) Stop() error      { p.stops.Add(1); return nil }

func (p *scriptedPoller) Start(ctx context.Context, sink source.Sink) error {
	return source.PollOnce(ctx, p.id, p, []string{"BTC"}, time.Now, sink)
}

func (p *scriptedPoller) Poll(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	n := int(p.calls.Add(1))
	p.mu.Lock()
	p.requested = append(p.requested, append([]string(nil), symbols...))
	p.mu.Unlock()
	return p.respond(n, symbols)
}

func (p *scriptedPoller) lastRequested() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requested) == 0 {
		return nil
	}
	return p.requested[len(p.requested)-1]
}

func always(values map[string]string) respondFunc {
	return func(int, []string) (map[string]decimal.Decimal, error) {
		out := make(map[string]decimal.Decimal, len(values))
		for symbol, v := range values {
			out[symbol] = decimal.RequireFromString(v)
		}
		return out, nil
	}
}

func failing(id string) respondFunc {
	return func(int, []string) (map[string]decimal.Decimal, error) {
		return nil, errs.New(id, errs.CodeUpstreamUnavailable, errs.WithHTTP(503))
	}
}

func receive(t *testing.T, sub *broadcast.Subscription) broadcast.Update {
	t.Helper()
	select {
	case u, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return u
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for broadcast")
	}
	return broadcast.Update{}
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newStore(priorities map[string]int) *cache.MemoryStore {
	return cache.NewMemoryStore(cache.WithPriorities(priorities))
}

func startCoordinator(t *testing.T, cfg Config, members []Member, writer Writer, opts ...Option) (*Coordinator, func()) {
	t.Helper()
	c, err := New(cfg, members, writer, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("run returned error: %v", err)
				}
			case <-time.After(waitFor):
				t.Errorf("coordinator did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return c, stop
}

func sourceState(c *Coordinator, id string) price.SourceDescriptor {
	d, _ := c.Status().Source(id)
	return d
}

func TestFailoverScenarioServesPriceThroughPromotion(t *testing.T) {
	s1 := newScriptedStream("s1")
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "50050"}))
	s3 := newScriptedPoller("s3", always(map[string]string{"BTC": "49000"}))
	store := newStore(map[string]int{"s1": 1, "s2": 2, "s3": 3})
	hub := broadcast.NewHub(broadcast.Config{BufferSize: 8})
	defer hub.Close()
	updates, err := hub.Subscribe(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cfg := DefaultConfig()
	cfg.BackoffFloor = time.Minute
	cfg.BackoffCeiling = time.Minute
	cfg.PollInterval = time.Hour
	cfg.TTL = time.Minute
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s3, Priority: 3},
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store, WithPublisher(hub))

	eventually(t, "s1 connecting", func() bool { return s1.starts.Load() == 1 })
	s1.steps <- streamStep{symbol: "BTC", value: "50000"}

	eventually(t, "first tick cached", func() bool {
		rec, fresh, ok := store.Get("BTC")
		return ok && fresh && rec.Value.Equal(decimal.RequireFromString("50000"))
	})
	eventually(t, "s1 connected", func() bool { return sourceState(c, "s1").State == price.StateConnected })
	if got := c.Health(); got.Status != price.HealthHealthy || got.ActiveSource != "s1" {
		t.Fatalf("expected healthy on s1, got %s active=%s", got.Status, got.ActiveSource)
	}
	if u := receive(t, updates); u.Value.String() != "50000" || u.SourceID != "s1" {
		t.Fatalf("unexpected broadcast %+v", u)
	}

	s1.steps <- streamStep{end: true}
	eventually(t, "promoted price cached", func() bool {
		rec, fresh, ok := store.Get("BTC")
		if !ok {
			t.Fatal("BTC disappeared from cache during failover")
		}
		return fresh && rec.SourceID == "s2" && rec.Value.Equal(decimal.RequireFromString("50050"))
	})

	eventually(t, "s2 connected", func() bool { return sourceState(c, "s2").State == price.StateConnected })
	if d := sourceState(c, "s1"); d.State != price.StateBackoff || d.Active {
		t.Fatalf("expected s1 in backoff, got %s active=%v", d.State, d.Active)
	}
	if s3.calls.Load() != 0 {
		t.Fatalf("s3 must not be started, polled %d times", s3.calls.Load())
	}
	health := c.Health()
	if health.Status != price.HealthDegraded || health.ActiveSource != "s2" {
		t.Fatalf("expected degraded fallback on s2, got %s active=%s", health.Status, health.ActiveSource)
	}
	if u := receive(t, updates); u.Value.String() != "50050" || u.SourceID != "s2" {
		t.Fatalf("unexpected broadcast %+v", u)
	}
}

func TestTransientFailureResetsWithoutDemotion(t *testing.T) {
	s1 := newScriptedStream("s1")
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "1"}))
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	c, _ := startCoordinator(t, DefaultConfig(), []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store)

	eventually(t, "s1 started", func() bool { return s1.starts.Load() == 1 })
	s1.steps <- streamStep{symbol: "BTC", value: "64000"}
	eventually(t, "s1 connected", func() bool { return sourceState(c, "s1").State == price.StateConnected })

	s1.steps <- streamStep{err: errs.New("s1", errs.CodeMalformedResponse, errs.WithRawMessage("{bad"))}
	eventually(t, "failure counted", func() bool { return sourceState(c, "s1").ConsecutiveFailures == 1 })
	if d := sourceState(c, "s1"); d.State != price.StateConnected {
		t.Fatalf("single failure must not leave connected, got %s", d.State)
	}

	s1.steps <- streamStep{symbol: "BTC", value: "64001"}
	eventually(t, "failures reset", func() bool {
		d := sourceState(c, "s1")
		return d.ConsecutiveFailures == 0 && d.State == price.StateConnected && d.LastError == ""
	})
	if s2.calls.Load() != 0 || s1.starts.Load() != 1 {
		t.Fatalf("expected no failover, s2 polls=%d s1 starts=%d", s2.calls.Load(), s1.starts.Load())
	}
}

func TestDegradedDesignatesStandbyWithoutStartingIt(t *testing.T) {
	s1 := newScriptedStream("s1")
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "1"}))
	s3 := newScriptedPoller("s3", always(map[string]string{"BTC": "1"}))
	cfg := DefaultConfig()
	cfg.DegradeThreshold = 2
	cfg.BackoffThreshold = 4
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
		{Adapter: s3, Priority: 3},
	}, newStore(map[string]int{"s1": 1, "s2": 2, "s3": 3}))

	eventually(t, "s1 started", func() bool { return s1.starts.Load() == 1 })
	s1.steps <- streamStep{symbol: "BTC", value: "64000"}
	eventually(t, "s1 connected", func() bool { return sourceState(c, "s1").State == price.StateConnected })

	failure := errs.New("s1", errs.CodeUpstreamUnavailable)
	s1.steps <- streamStep{err: failure}
	s1.steps <- streamStep{err: failure}
	eventually(t, "s1 degraded", func() bool { return sourceState(c, "s1").State == price.StateDegraded })

	st := c.Status()
	if st.StandbySource != "s2" || !sourceState(c, "s2").Standby {
		t.Fatalf("expected s2 designated standby, got %q", st.StandbySource)
	}
	if s2.calls.Load() != 0 {
		t.Fatal("standby must not be started while the active source is degraded")
	}
	if got := c.Health().Status; got != price.HealthDegraded {
		t.Fatalf("expected degraded health, got %s", got)
	}

	s1.steps <- streamStep{symbol: "BTC", value: "64002"}
	eventually(t, "s1 recovered", func() bool { return sourceState(c, "s1").State == price.StateConnected })
	if st := c.Status(); st.StandbySource != "" {
		t.Fatalf("expected standby cleared on recovery, got %q", st.StandbySource)
	}
}

func TestDemotionStartsOnlyNextSource(t *testing.T) {
	s1 := newScriptedPoller("s1", failing("s1"))
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "64000"}))
	s3 := newScriptedPoller("s3", always(map[string]string{"BTC": "64000"}))
	cfg := DefaultConfig()
	cfg.DegradeThreshold = 2
	cfg.BackoffThreshold = 3
	cfg.PollInterval = time.Millisecond
	cfg.BackoffFloor = time.Minute
	cfg.BackoffCeiling = time.Minute
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2, PollInterval: time.Hour},
		{Adapter: s3, Priority: 3},
	}, newStore(map[string]int{"s1": 1, "s2": 2, "s3": 3}))

	eventually(t, "s2 connected", func() bool { return sourceState(c, "s2").State == price.StateConnected })
	d1 := sourceState(c, "s1")
	if d1.State != price.StateBackoff || d1.ConsecutiveFailures != 3 || d1.LastBackoff != time.Minute {
		t.Fatalf("unexpected s1 descriptor %+v", d1)
	}
	if s1.calls.Load() < 3 {
		t.Fatalf("expected at least three polls before demotion, got %d", s1.calls.Load())
	}
	if s3.calls.Load() != 0 {
		t.Fatalf("s3 must not be started, polled %d times", s3.calls.Load())
	}
}

func TestBackoffGrowsToCeilingWhileAllSourcesDown(t *testing.T) {
	s1 := newScriptedPoller("s1", failing("s1"))
	cfg := DefaultConfig()
	cfg.DegradeThreshold = 1
	cfg.BackoffThreshold = 1
	cfg.BackoffFloor = 10 * time.Millisecond
	cfg.BackoffCeiling = 40 * time.Millisecond
	cfg.PollInterval = time.Hour
	c, _ := startCoordinator(t, cfg, []Member{{Adapter: s1, Priority: 1}}, newStore(nil))

	var seen []time.Duration
	eventually(t, "backoff reaches ceiling", func() bool {
		d := sourceState(c, "s1")
		if d.State == price.StateBackoff && (len(seen) == 0 || seen[len(seen)-1] != d.LastBackoff) {
			seen = append(seen, d.LastBackoff)
		}
		return d.LastBackoff == cfg.BackoffCeiling && s1.calls.Load() >= 5
	})
	for i, d := range seen {
		if d > cfg.BackoffCeiling {
			t.Fatalf("backoff %s exceeds ceiling", d)
		}
		if i > 0 && d < seen[i-1] {
			t.Fatalf("backoff decreased: %v", seen)
		}
	}
	st := c.Status()
	if d, _ := st.Source("s1"); d.State == price.StateBackoff {
		if got := st.Health(time.Now()).Status; got != price.HealthUnhealthy {
			t.Fatalf("expected unhealthy while the only source backs off, got %s", got)
		}
	}
}

func TestRateLimitPausesWithoutCountingFailure(t *testing.T) {
	respond := func(call int, _ []string) (map[string]decimal.Decimal, error) {
		if call == 1 {
			return nil, errs.New("s1", errs.CodeRateLimited, errs.WithHTTP(429), errs.WithRetryAfter(300*time.Millisecond))
		}
		return map[string]decimal.Decimal{"BTC": decimal.RequireFromString("64000")}, nil
	}
	s1 := newScriptedPoller("s1", respond)
	cfg := DefaultConfig()
	cfg.DegradeThreshold = 1
	cfg.BackoffThreshold = 1
	cfg.PollInterval = time.Hour
	store := newStore(map[string]int{"s1": 1})
	c, _ := startCoordinator(t, cfg, []Member{{Adapter: s1, Priority: 1}}, store)

	eventually(t, "rate limit pause", func() bool { return sourceState(c, "s1").Paused })
	d := sourceState(c, "s1")
	if d.State != price.StateBackoff || d.ConsecutiveFailures != 0 || d.LastBackoff != 300*time.Millisecond {
		t.Fatalf("unexpected paused descriptor %+v", d)
	}
	if st := c.Status(); st.ActiveSource != "s1" {
		t.Fatalf("rate-limited source must stay active, got %q", st.ActiveSource)
	}

	eventually(t, "resumed after pause", func() bool { return sourceState(c, "s1").State == price.StateConnected })
	if _, fresh, ok := store.Get("BTC"); !ok || !fresh {
		t.Fatal("expected BTC after resuming")
	}
	if d := sourceState(c, "s1"); d.ConsecutiveFailures != 0 || d.Paused {
		t.Fatalf("unexpected descriptor after resume %+v", d)
	}
}

func TestLongRateLimitPauseHandsOverToNextSource(t *testing.T) {
	s1 := newScriptedPoller("s1", func(int, []string) (map[string]decimal.Decimal, error) {
		return nil, errs.New("s1", errs.CodeRateLimited, errs.WithHTTP(429), errs.WithRetryAfter(time.Hour))
	})
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "64000"}))
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.TTL = time.Minute
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store)

	eventually(t, "s2 connected", func() bool { return sourceState(c, "s2").State == price.StateConnected })
	d := sourceState(c, "s1")
	if d.State != price.StateBackoff || !d.Paused || d.Active || d.ConsecutiveFailures != 0 || d.LastBackoff != time.Hour {
		t.Fatalf("unexpected paused descriptor %+v", d)
	}
	if st := c.Status(); st.ActiveSource != "s2" {
		t.Fatalf("expected s2 to serve during the pause, got %q", st.ActiveSource)
	}
	if rec, fresh, ok := store.Get("BTC"); !ok || !fresh || rec.SourceID != "s2" {
		t.Fatalf("expected fresh BTC from s2, got %+v fresh=%v ok=%v", rec, fresh, ok)
	}
}

func TestRecoveredSourceDoesNotPreemptActive(t *testing.T) {
	s1 := newScriptedStream("s1")
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "64000"}))
	cfg := DefaultConfig()
	cfg.BackoffFloor = 10 * time.Millisecond
	cfg.BackoffCeiling = 10 * time.Millisecond
	cfg.PollInterval = time.Hour
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, newStore(map[string]int{"s1": 1, "s2": 2}))

	eventually(t, "s1 started", func() bool { return s1.starts.Load() == 1 })
	s1.steps <- streamStep{end: true}
	eventually(t, "s2 connected", func() bool { return sourceState(c, "s2").State == price.StateConnected })

	retryAt := sourceState(c, "s1").NextRetryAt
	time.Sleep(time.Until(retryAt) + 50*time.Millisecond)

	if !sourceState(c, "s1").Eligible(time.Now()) {
		t.Fatalf("expected s1 eligible after its backoff, got %+v", sourceState(c, "s1"))
	}
	if got := s1.starts.Load(); got != 1 {
		t.Fatalf("recovered source must wait for the active one to fail, started %d times", got)
	}
	health := c.Health()
	if health.ActiveSource != "s2" || health.Status != price.HealthDegraded {
		t.Fatalf("expected degraded on s2, got %s active=%s", health.Status, health.ActiveSource)
	}
}

func TestAllSourcesDownKeepsServingStaleValues(t *testing.T) {
	s1 := newScriptedPoller("s1", failing("s1"))
	s2 := newScriptedPoller("s2", failing("s2"))
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	store.Put(price.NewRecord(price.Tick{
		Symbol:     "ETH",
		Value:      decimal.RequireFromString("3000"),
		SourceID:   "s1",
		ObservedAt: time.Now().Add(-2 * time.Minute),
	}, time.Minute))

	cfg := DefaultConfig()
	cfg.DegradeThreshold = 1
	cfg.BackoffThreshold = 1
	cfg.BackoffFloor = time.Minute
	cfg.BackoffCeiling = time.Minute
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store)

	eventually(t, "unhealthy", func() bool { return c.Health().Status == price.HealthUnhealthy })
	st := c.Status()
	if st.ActiveSource != "" || !st.AllDown() {
		t.Fatalf("expected no active source, got %q", st.ActiveSource)
	}
	rec, fresh, ok := store.Get("ETH")
	if !ok || fresh || rec.Value.String() != "3000" {
		t.Fatalf("expected stale ETH value, got %+v fresh=%v ok=%v", rec, fresh, ok)
	}
	if _, _, ok := store.Get("DOGE"); ok {
		t.Fatal("never-seen symbol must be absent")
	}
}

func TestWarmupPollsBestPolledSource(t *testing.T) {
	s1 := newScriptedStream("s1")
	echo := func(_ int, symbols []string) (map[string]decimal.Decimal, error) {
		out := make(map[string]decimal.Decimal, len(symbols))
		for _, symbol := range symbols {
			out[symbol] = decimal.NewFromInt(100)
		}
		return out, nil
	}
	s2 := newScriptedPoller("s2", echo)
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	c, _ := startCoordinator(t, DefaultConfig(), []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store, WithSymbols([]string{"BTC"}))

	if !c.RequestWarmup([]string{"sol", " SOL "}) {
		t.Fatal("expected warm-up to be queued")
	}
	eventually(t, "warm-up value", func() bool {
		_, _, ok := store.Get("SOL")
		return ok
	})
	if got := s2.lastRequested(); len(got) != 1 || got[0] != "SOL" {
		t.Fatalf("expected warm-up for SOL only, got %v", got)
	}
	if d := sourceState(c, "s2"); d.State != price.StateDisconnected || d.Active {
		t.Fatalf("warm-up must not change source state, got %+v", d)
	}
	eventually(t, "symbol tracked", func() bool {
		symbols := c.Symbols()
		return len(symbols) == 2 && symbols[0] == "BTC" && symbols[1] == "SOL"
	})
	if c.RequestWarmup(nil) {
		t.Fatal("empty warm-up must be ignored")
	}
}

func TestWarmupTracksOnlyPricedSymbols(t *testing.T) {
	s1 := newScriptedStream("s1")
	known := func(_ int, symbols []string) (map[string]decimal.Decimal, error) {
		out := make(map[string]decimal.Decimal)
		for _, symbol := range symbols {
			if symbol == "ETH" {
				out[symbol] = decimal.NewFromInt(3000)
			}
		}
		return out, nil
	}
	s2 := newScriptedPoller("s2", known)
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	c, _ := startCoordinator(t, DefaultConfig(), []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store, WithSymbols([]string{"BTC"}))

	for i := 0; i < 50; i++ {
		want := int32(i + 1)
		symbol := fmt.Sprintf("NOPE%d", i)
		eventually(t, "warm-up queued", func() bool { return c.RequestWarmup([]string{symbol}) })
		eventually(t, "warm-up polled", func() bool { return s2.calls.Load() >= want })
	}
	if !c.RequestWarmup([]string{"ETH"}) {
		t.Fatal("expected warm-up to be queued")
	}
	eventually(t, "ETH tracked", func() bool { return len(c.Symbols()) == 2 })
	if got := c.Symbols(); got[0] != "BTC" || got[1] != "ETH" {
		t.Fatalf("expected only priced symbols tracked, got %v", got)
	}
}

func TestWarmupTrackingIsCapped(t *testing.T) {
	s1 := newScriptedStream("s1")
	echo := func(_ int, symbols []string) (map[string]decimal.Decimal, error) {
		out := make(map[string]decimal.Decimal, len(symbols))
		for _, symbol := range symbols {
			out[symbol] = decimal.NewFromInt(1)
		}
		return out, nil
	}
	s2 := newScriptedPoller("s2", echo)
	cfg := DefaultConfig()
	cfg.MaxSymbols = 3
	store := newStore(map[string]int{"s1": 1, "s2": 2})
	c, _ := startCoordinator(t, cfg, []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, store, WithSymbols([]string{"BTC"}))

	if !c.RequestWarmup([]string{"A1", "A2", "A3", "A4", "A5"}) {
		t.Fatal("expected warm-up to be queued")
	}
	eventually(t, "warm-up cached", func() bool {
		_, _, ok := store.Get("A5")
		return ok
	})
	eventually(t, "tracked set filled", func() bool { return len(c.Symbols()) == 3 })
	if got := c.Symbols(); got[0] != "A1" || got[1] != "A2" || got[2] != "BTC" {
		t.Fatalf("unexpected tracked set %v", got)
	}
}

func TestShutdownStopsEveryAdapter(t *testing.T) {
	s1 := newScriptedStream("s1")
	s2 := newScriptedPoller("s2", always(map[string]string{"BTC": "1"}))
	c, stop := startCoordinator(t, DefaultConfig(), []Member{
		{Adapter: s1, Priority: 1},
		{Adapter: s2, Priority: 2},
	}, newStore(nil))

	eventually(t, "s1 started", func() bool { return s1.starts.Load() == 1 })
	stop()

	for _, d := range c.Status().Sources {
		if d.State != price.StateStopped || d.Active {
			t.Fatalf("expected %s stopped, got %s active=%v", d.ID, d.State, d.Active)
		}
	}
	if s1.stops.Load() != 1 || s2.stops.Load() != 1 {
		t.Fatalf("expected every adapter stopped once, got s1=%d s2=%d", s1.stops.Load(), s2.stops.Load())
	}
	if got := c.Health().Status; got != price.HealthUnhealthy {
		t.Fatalf("expected unhealthy after shutdown, got %s", got)
	}
}

func TestNewValidatesMembers(t *testing.T) {
	store := newStore(nil)
	if _, err := New(DefaultConfig(), nil, store); err == nil {
		t.Fatal("expected error without sources")
	}
	dup := []Member{{Adapter: newScriptedStream("a")}, {Adapter: newScriptedStream("a")}}
	if _, err := New(DefaultConfig(), dup, store); err == nil {
		t.Fatal("expected duplicate id error")
	}
	bad := DefaultConfig()
	bad.DegradeThreshold = 5
	bad.BackoffThreshold = 2
	if _, err := New(bad, []Member{{Adapter: newScriptedStream("a")}}, store); err == nil {
		t.Fatal("expected threshold validation error")
	}
	c, err := New(DefaultConfig(), []Member{{Adapter: newScriptedStream("a")}}, store)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var nilCtx context.Context
	if err := c.Run(nilCtx); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestRunTwiceFails(t *testing.T) {
	c, _ := startCoordinator(t, DefaultConfig(), []Member{{Adapter: newScriptedStream("a")}}, newStore(nil))
	eventually(t, "running", func() bool { return c.Status().ActiveSource == "a" })
	if err := c.Run(context.Background()); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected already-started error, got %v", err)
	}
}
