// Package coingecko implements the polled CoinGecko simple price source.
package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/adapters/shared"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
)

// Name is the registry key of this adapter.
const Name = "coingecko"

const (
	defaultBaseURL  = "https://api.coingecko.com/api/v3"
	defaultTimeout  = 10 * time.Second
	defaultRate     = 0.25
	defaultCurrency = "usd"
	apiKeyHeader    = "x-cg-demo-api-key"
	proAPIKeyHeader = "x-cg-pro-api-key"
	simplePricePath = "/simple/price"
)

// defaultCoinIDs maps canonical tickers to CoinGecko ids.
var defaultCoinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binancecoin",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"DOT":  "polkadot",
	"LTC":  "litecoin",
	"AVAX": "avalanche-2",
	"USDT": "tether",
	"USDC": "usd-coin",
}

// Config captures user-overridable CoinGecko settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Pro               bool
	Currency          string
	Timeout           time.Duration
	RequestsPerSecond float64
	CoinIDs           map[string]string
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = defaultCurrency
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRate
	}
	ids := make(map[string]string, len(defaultCoinIDs)+len(cfg.CoinIDs))
	for k, v := range defaultCoinIDs {
		ids[k] = v
	}
	for k, v := range cfg.CoinIDs {
		ids[price.NormalizeSymbol(k)] = strings.TrimSpace(v)
	}
	cfg.CoinIDs = ids
	return cfg
}

// Adapter polls CoinGecko for the configured symbols.
type Adapter struct {
	id      string
	cfg     Config
	symbols []string
	client  *shared.RESTClient
	now     func() time.Time
	logger  observability.Logger
	stopped atomic.Bool
}

// New constructs the adapter.
func New(id string, cfg Config, opts source.Options) *Adapter {
	cfg = withDefaults(cfg)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		if cfg.Pro {
			headers[proAPIKeyHeader] = cfg.APIKey
		} else {
			headers[apiKeyHeader] = cfg.APIKey
		}
	}
	return &Adapter{
		id:      id,
		cfg:     cfg,
		symbols: price.NormalizeSymbols(opts.Symbols),
		client: shared.NewRESTClient(shared.RESTConfig{
			Source:            id,
			Client:            opts.HTTPClient,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Headers:           headers,
			Now:               opts.Now,
		}),
		now:    opts.Now,
		logger: observability.OrNop(opts.Logger),
	}
}

// Factory builds the adapter from a source spec.
func Factory(_ context.Context, spec source.Spec, opts source.Options) (source.Adapter, error) {
	timeout, err := source.DurationValue(spec.Config, "timeout", 0)
	if err != nil {
		return nil, err
	}
	rps, err := source.FloatValue(spec.Config, "requestsPerSecond", 0)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		BaseURL:           source.StringValue(spec.Config, "baseUrl", ""),
		APIKey:            source.StringValue(spec.Config, "apiKey", ""),
		Pro:               source.StringValue(spec.Config, "plan", "") == "pro",
		Currency:          source.StringValue(spec.Config, "currency", ""),
		Timeout:           timeout,
		RequestsPerSecond: rps,
		CoinIDs:           source.StringMap(spec.Config, "coinIds"),
	}
	return New(spec.ID, cfg, opts), nil
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) Kind() price.Kind { return price.KindPolled }

// Start issues one poll for every configured symbol.
func (a *Adapter) Start(ctx context.Context, sink source.Sink) error {
	if a.stopped.Load() {
		return errs.New(a.id, errs.CodeUnavailable, errs.WithMessage("adapter stopped"))
	}
	return source.PollOnce(ctx, a.id, a, a.symbols, a.now, sink)
}

// Stop marks the adapter stopped; polls in flight are bounded by their own timeout.
func (a *Adapter) Stop() error {
	a.stopped.Store(true)
	return nil
}

// Poll fetches prices for symbols with unknown tickers skipped.
func (a *Adapter) Poll(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	idToSymbol := make(map[string]string, len(symbols))
	for _, symbol := range price.NormalizeSymbols(symbols) {
		id, ok := a.cfg.CoinIDs[symbol]
		if !ok || id == "" {
			a.logger.Debug("coingecko: no coin id for symbol", observability.F("symbol", symbol))
			continue
		}
		idToSymbol[id] = symbol
	}
	if len(idToSymbol) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	ids := make([]string, 0, len(idToSymbol))
	for id := range idToSymbol {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", a.cfg.Currency)
	endpoint := a.cfg.BaseURL + simplePricePath + "?" + params.Encode()

	var payload map[string]map[string]json.Number
	if err := a.client.GetJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(payload))
	for id, quotes := range payload {
		symbol, ok := idToSymbol[id]
		if !ok {
			continue
		}
		raw, ok := quotes[a.cfg.Currency]
		if !ok {
			continue
		}
		value, err := shared.PriceFromNumber(raw)
		if err != nil {
			return nil, shared.Malformed(a.id, fmt.Sprintf("price for %s", id), []byte(raw.String()), err)
		}
		out[symbol] = value
	}
	if len(out) == 0 {
		return nil, shared.Malformed(a.id, "no requested ids in response", nil, nil)
	}
	return out, nil
}
