// Package source defines the contracts between price source adapters and the coordinator.
package source

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
)

// Event is a batch of ticks or a failure reported by an adapter.
type Event struct {
	SourceID string
	// Run identifies the coordinator run that started the adapter. Adapters leave it
	// zero; the coordinator stamps it when wrapping the sink.
	Run    uint64
	Ticks  []price.Tick
	Err    error
	Fatal  bool
	Warmup bool
	At     time.Time
}

// Sink receives adapter events. Calls may block until the coordinator accepts the batch.
type Sink func(Event)

// Adapter is a single upstream price source.
type Adapter interface {
	ID() string
	Kind() price.Kind
	// Start opens a streaming connection and blocks until ctx is done or the connection
	// is lost for good; polled kinds issue one request, emit it and return.
	Start(ctx context.Context, sink Sink) error
	// Stop is idempotent and safe to call before Start.
	Stop() error
}

// Poller is implemented by request/response sources.
type Poller interface {
	Poll(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Options carries shared dependencies passed to adapter factories.
type Options struct {
	Symbols    []string
	Logger     observability.Logger
	HTTPClient *http.Client
	Now        func() time.Time
}

func (o Options) normalize() Options {
	o.Symbols = price.NormalizeSymbols(o.Symbols)
	o.Logger = observability.OrNop(o.Logger)
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Spec is the static configuration of one source.
type Spec struct {
	ID       string
	Adapter  string
	Priority int
	Enabled  bool
	Config   map[string]any
}

// PollOnce polls symbols, emits the result to sink and returns the poll error.
func PollOnce(ctx context.Context, id string, poller Poller, symbols []string, now func() time.Time, sink Sink) error {
	values, err := poller.Poll(ctx, symbols)
	at := now().UTC()
	if err != nil {
		sink(Event{SourceID: id, Err: err, At: at})
		return err
	}
	sink(Event{SourceID: id, Ticks: TicksFrom(id, values, at), At: at})
	return nil
}

// TicksFrom converts polled values into ticks ordered by symbol.
func TicksFrom(id string, values map[string]decimal.Decimal, at time.Time) []price.Tick {
	ticks := make([]price.Tick, 0, len(values))
	for symbol, value := range values {
		ticks = append(ticks, price.Tick{
			Symbol:     price.NormalizeSymbol(symbol),
			Value:      value,
			SourceID:   id,
			ObservedAt: at,
		})
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Symbol < ticks[j].Symbol })
	return ticks
}
