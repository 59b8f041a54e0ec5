package aggregator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

const (
	telemetryMiss = telemetry.ResultMiss

	warmupScheduled = "scheduled"
	warmupSkipped   = "skipped"
	warmupRejected  = "rejected"
)

type serviceMetrics struct {
	environment string
	reads       metric.Int64Counter
	warmups     metric.Int64Counter
}

func newServiceMetrics() *serviceMetrics {
	meter := otel.Meter("aggregator")
	sm := &serviceMetrics{environment: telemetry.Environment()}
	sm.reads, _ = meter.Int64Counter("aggregator.reads",
		metric.WithDescription("Price reads served by freshness"),
		metric.WithUnit("{read}"))
	sm.warmups, _ = meter.Int64Counter("aggregator.warmups",
		metric.WithDescription("Cold-symbol warm-ups by scheduling outcome"),
		metric.WithUnit("{warmup}"))
	return sm
}

func readResult(fresh bool) string {
	if fresh {
		return telemetry.ResultFresh
	}
	return telemetry.ResultStale
}

func (sm *serviceMetrics) recordRead(ctx context.Context, result string) {
	if sm == nil || sm.reads == nil {
		return
	}
	sm.reads.Add(detach(ctx), 1,
		metric.WithAttributes(telemetry.ResultAttributes(sm.environment, "current_price", result)...))
}

func (sm *serviceMetrics) recordWarmup(ctx context.Context, result string) {
	if sm == nil || sm.warmups == nil {
		return
	}
	sm.warmups.Add(detach(ctx), 1,
		metric.WithAttributes(telemetry.ResultAttributes(sm.environment, "warmup", result)...))
}

func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
