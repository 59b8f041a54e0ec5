package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/adapters/shared"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
)

// combinedFrame wraps every payload delivered on a /stream?streams= connection.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// run dials the stream and reconnects on I/O failures until the consecutive attempt
// budget is spent. Any attempt that delivers a tick restores the budget.
func (a *Adapter) run(ctx context.Context, sink source.Sink) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.ReconnectFloor
	policy.MaxInterval = a.cfg.ReconnectCeiling

	attempts := 0
	for {
		delivered, err := a.session(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			attempts = 0
			policy.Reset()
		}
		attempts++
		a.metrics.recordReconnect(ctx, err)
		if err != nil {
			a.logger.Warn("binance: stream interrupted",
				observability.F("source", a.id),
				observability.F("attempt", attempts),
				observability.F("error", err))
			sink(source.Event{SourceID: a.id, Err: err, At: a.now().UTC()})
		}
		if attempts >= a.cfg.MaxReconnects {
			fatal := errs.New(a.id, errs.CodeUpstreamUnavailable,
				errs.WithMessage(fmt.Sprintf("stream lost after %d attempts", attempts)),
				errs.WithCause(err))
			sink(source.Event{SourceID: a.id, Err: fatal, Fatal: true, At: a.now().UTC()})
			return fatal
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = a.cfg.ReconnectCeiling
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails. It reports whether any tick was delivered.
func (a *Adapter) session(ctx context.Context, sink source.Sink) (bool, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, a.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, a.StreamURL(), nil)
	cancelDial()
	if err != nil {
		return false, errs.New(a.id, errs.CodeUpstreamUnavailable,
			errs.WithMessage("dial stream"),
			errs.WithCause(err))
	}
	conn.SetReadLimit(readLimit)
	a.logger.Info("binance: stream connected",
		observability.F("source", a.id),
		observability.F("symbols", len(a.symbols)))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var delivered atomic.Bool
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- a.readLoop(connCtx, conn, sink, &delivered) })
	wg.Go(func() { errCh <- a.pingLoop(connCtx, conn) })

	first := <-errCh
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return delivered.Load(), first
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, sink source.Sink, delivered *atomic.Bool) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return a.readError(err)
		}
		if typ != websocket.MessageText {
			continue
		}
		tick, ok, err := a.decode(data)
		if err != nil {
			a.metrics.recordMessage(ctx, false)
			a.logger.Warn("binance: malformed frame",
				observability.F("source", a.id),
				observability.F("raw", errs.Excerpt(string(data))),
				observability.F("error", err))
			sink(source.Event{SourceID: a.id, Err: err, At: a.now().UTC()})
			continue
		}
		if !ok {
			continue
		}
		a.metrics.recordMessage(ctx, true)
		delivered.Store(true)
		sink(source.Event{SourceID: a.id, Ticks: []price.Tick{tick}, At: tick.ObservedAt})
	}
}

func (a *Adapter) readError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(a.id, errs.CodeUpstreamUnavailable,
			errs.WithMessage(fmt.Sprintf("no message within %s", a.cfg.ReadTimeout)),
			errs.WithCause(err))
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return errs.New(a.id, errs.CodeUpstreamUnavailable,
			errs.WithMessage("stream closed by remote"),
			errs.WithField("close_status", status.String()),
			errs.WithCause(err))
	}
	return errs.New(a.id, errs.CodeUpstreamUnavailable,
		errs.WithMessage("read stream"),
		errs.WithCause(err))
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errs.New(a.id, errs.CodeUpstreamUnavailable,
					errs.WithMessage("ping"),
					errs.WithCause(err))
			}
		}
	}
}

// decode parses one combined-stream frame. Frames for pairs outside the configured
// symbol set and non-ticker payloads are skipped with ok=false.
func (a *Adapter) decode(data []byte) (price.Tick, bool, error) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return price.Tick{}, false, shared.Malformed(a.id, "decode frame", data, err)
	}
	if len(frame.Data) == 0 {
		return price.Tick{}, false, nil
	}
	var ticker miniTicker
	if err := json.Unmarshal(frame.Data, &ticker); err != nil {
		return price.Tick{}, false, shared.Malformed(a.id, "decode miniTicker", data, err)
	}
	if ticker.EventType != "" && ticker.EventType != "24hrMiniTicker" {
		return price.Tick{}, false, nil
	}
	symbol, ok := a.pairs[strings.ToUpper(ticker.Symbol)]
	if !ok {
		return price.Tick{}, false, nil
	}
	value, err := shared.ParsePrice(ticker.Close)
	if err != nil {
		return price.Tick{}, false, shared.Malformed(a.id, fmt.Sprintf("close price for %s", ticker.Symbol), data, err)
	}
	return price.Tick{
		Symbol:     symbol,
		Value:      value,
		SourceID:   a.id,
		ObservedAt: a.now().UTC(),
	}, true, nil
}
