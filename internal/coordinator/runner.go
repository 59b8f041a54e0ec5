package coordinator

import (
	"context"
	"time"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/source"
)

// sinkFor stamps events with their source and run before handing them to the loop.
// Delivery blocks until the loop accepts the event or the coordinator shuts down.
func (c *Coordinator) sinkFor(id string, run uint64, warmup bool) source.Sink {
	return func(evt source.Event) {
		evt.SourceID = id
		evt.Run = run
		evt.Warmup = warmup
		if evt.At.IsZero() {
			evt.At = c.now().UTC()
		}
		select {
		case c.events <- evt:
		case <-c.ctx.Done():
		}
	}
}

// streamLoop runs a streaming adapter until its run is cancelled. A return while the run
// is still live is reported as a fatal connection loss.
func (c *Coordinator) streamLoop(ctx context.Context, id string, adapter source.Adapter, sink source.Sink) {
	err := adapter.Start(ctx, sink)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errs.New(id, errs.CodeUpstreamUnavailable, errs.WithMessage("stream ended"))
	}
	sink(source.Event{Err: err, Fatal: true})
}

// pollLoop issues the adapter's first poll through Start and then polls the tracked
// symbol set every interval. Each poll is bounded by the poll timeout.
func (c *Coordinator) pollLoop(ctx context.Context, id string, adapter source.Adapter, poller source.Poller, interval time.Duration, sink source.Sink) {
	first := true
	for {
		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		if first || poller == nil {
			_ = adapter.Start(pollCtx, sink)
		} else {
			_ = source.PollOnce(pollCtx, id, poller, c.Symbols(), c.now, sink)
		}
		cancel()
		first = false

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
