// Package binance implements the streaming Binance miniTicker price source.
package binance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
)

// Name is the registry key of this adapter.
const Name = "binance"

const (
	defaultBaseURL          = "wss://stream.binance.com:9443"
	defaultQuoteAsset       = "USDT"
	defaultReadTimeout      = 30 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultMaxReconnects    = 5
	defaultReconnectFloor   = 500 * time.Millisecond
	defaultReconnectCeiling = 10 * time.Second

	streamSuffix = "@miniTicker"
	readLimit    = 2 * 1024 * 1024
	pingTimeout  = 5 * time.Second
)

// Config captures user-overridable Binance stream settings.
type Config struct {
	BaseURL      string
	QuoteAsset   string
	ReadTimeout  time.Duration
	DialTimeout  time.Duration
	PingInterval time.Duration
	// MaxReconnects bounds consecutive connection attempts that deliver no tick before the
	// adapter reports a fatal loss.
	MaxReconnects    int
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.QuoteAsset = strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = defaultQuoteAsset
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = defaultReconnectFloor
	}
	if cfg.ReconnectCeiling < cfg.ReconnectFloor {
		cfg.ReconnectCeiling = defaultReconnectCeiling
		if cfg.ReconnectCeiling < cfg.ReconnectFloor {
			cfg.ReconnectCeiling = cfg.ReconnectFloor
		}
	}
	return cfg
}

// Adapter streams miniTicker closing prices for the configured symbols.
type Adapter struct {
	id      string
	cfg     Config
	symbols []string
	// pairs maps exchange pair names (BTCUSDT) to canonical symbols (BTC).
	pairs   map[string]string
	now     func() time.Time
	logger  observability.Logger
	metrics *streamMetrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New constructs the adapter.
func New(id string, cfg Config, opts source.Options) *Adapter {
	cfg = withDefaults(cfg)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	symbols := price.NormalizeSymbols(opts.Symbols)
	pairs := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		pairs[symbol+cfg.QuoteAsset] = symbol
	}
	return &Adapter{
		id:      id,
		cfg:     cfg,
		symbols: symbols,
		pairs:   pairs,
		now:     opts.Now,
		logger:  observability.OrNop(opts.Logger),
		metrics: newStreamMetrics(id),
	}
}

// Factory builds the adapter from a source spec.
func Factory(_ context.Context, spec source.Spec, opts source.Options) (source.Adapter, error) {
	readTimeout, err := source.DurationValue(spec.Config, "readTimeout", 0)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := source.DurationValue(spec.Config, "dialTimeout", 0)
	if err != nil {
		return nil, err
	}
	pingInterval, err := source.DurationValue(spec.Config, "pingInterval", 0)
	if err != nil {
		return nil, err
	}
	floor, err := source.DurationValue(spec.Config, "reconnectFloor", 0)
	if err != nil {
		return nil, err
	}
	ceiling, err := source.DurationValue(spec.Config, "reconnectCeiling", 0)
	if err != nil {
		return nil, err
	}
	maxReconnects, err := source.FloatValue(spec.Config, "maxReconnects", 0)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		BaseURL:          source.StringValue(spec.Config, "baseUrl", ""),
		QuoteAsset:       source.StringValue(spec.Config, "quoteAsset", ""),
		ReadTimeout:      readTimeout,
		DialTimeout:      dialTimeout,
		PingInterval:     pingInterval,
		MaxReconnects:    int(maxReconnects),
		ReconnectFloor:   floor,
		ReconnectCeiling: ceiling,
	}
	return New(spec.ID, cfg, opts), nil
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) Kind() price.Kind { return price.KindStreaming }

// StreamURL returns the combined stream endpoint for the configured symbols.
func (a *Adapter) StreamURL() string {
	streams := make([]string, 0, len(a.symbols))
	for _, symbol := range a.symbols {
		streams = append(streams, strings.ToLower(symbol+a.cfg.QuoteAsset)+streamSuffix)
	}
	return a.cfg.BaseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Start blocks streaming ticks into sink until ctx is done, Stop is called, or the
// reconnect budget is exhausted. In the last case a fatal event is emitted and the
// returned error carries the last connection failure.
func (a *Adapter) Start(ctx context.Context, sink source.Sink) error {
	if len(a.symbols) == 0 {
		return errs.New(a.id, errs.CodeInvalid, errs.WithMessage("no symbols configured"))
	}
	runCtx, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer a.end()
	return a.run(runCtx, sink)
}

// Stop cancels a running stream and refuses later starts. It is idempotent and safe to
// call before Start.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *Adapter) begin(ctx context.Context) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, errs.New(a.id, errs.CodeUnavailable, errs.WithMessage("adapter stopped"))
	}
	if a.cancel != nil {
		return nil, errs.New(a.id, errs.CodeUnavailable, errs.WithMessage("stream already running"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	return runCtx, nil
}

func (a *Adapter) end() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
