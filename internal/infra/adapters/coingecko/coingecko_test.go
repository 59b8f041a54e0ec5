package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/source"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc, cfg Config) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	return New("coingecko", cfg, source.Options{
		Symbols:    []string{"BTC", "ETH", "UNKNOWN"},
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func TestPollParsesSimplePrice(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Errorf("unexpected ids %q", got)
		}
		if r.Header.Get(apiKeyHeader) != "demo" {
			t.Errorf("expected api key header")
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":64000.12},"ethereum":{"usd":3000.5}}`))
	}, Config{APIKey: "demo"})

	values, err := adapter.Poll(context.Background(), []string{"btc", "eth", "unknown"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if values["BTC"].String() != "64000.12" || values["ETH"].String() != "3000.5" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestStartEmitsTicks(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":1},"ethereum":{"usd":2}}`))
	}, Config{})

	var events []source.Event
	if err := adapter.Start(context.Background(), func(evt source.Event) { events = append(events, evt) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(events) != 1 || len(events[0].Ticks) != 2 || events[0].Ticks[0].SourceID != "coingecko" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPollRateLimitCarriesRetryAfter(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}, Config{})

	_, err := adapter.Poll(context.Background(), []string{"BTC"})
	if !errs.Is(err, errs.CodeRateLimited) || errs.RetryAfterOf(err) != time.Minute {
		t.Fatalf("expected rate limited with 60s pause, got %v", err)
	}
}

func TestPollMalformedPrice(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":-5}}`))
	}, Config{})

	_, err := adapter.Poll(context.Background(), []string{"BTC"})
	if !errs.Is(err, errs.CodeMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if !strings.Contains(err.Error(), "source=coingecko") {
		t.Fatalf("expected source id in error, got %v", err)
	}
}

func TestFactoryReadsConfig(t *testing.T) {
	adapter, err := Factory(context.Background(), source.Spec{
		ID:      "gecko",
		Adapter: Name,
		Config:  map[string]any{"timeout": "3s", "coinIds": map[string]any{"pepe": "pepe"}},
	}, source.Options{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	a := adapter.(*Adapter)
	if a.cfg.Timeout != 3*time.Second || a.cfg.CoinIDs["PEPE"] != "pepe" {
		t.Fatalf("unexpected config %+v", a.cfg)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Start(context.Background(), func(source.Event) {}); err == nil {
		t.Fatal("expected start after stop to fail")
	}
}
