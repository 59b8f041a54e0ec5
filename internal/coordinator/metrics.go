package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

type coordinatorMetrics struct {
	environment string

	ticks       metric.Int64Counter
	transitions metric.Int64Counter
	failovers   metric.Int64Counter
	warmups     metric.Int64Counter
	backoff     metric.Float64Histogram
}

func newCoordinatorMetrics() *coordinatorMetrics {
	meter := otel.Meter("coordinator")
	cm := &coordinatorMetrics{environment: telemetry.Environment()}
	cm.ticks, _ = meter.Int64Counter("coordinator.ticks",
		metric.WithDescription("Ticks offered to the price cache by outcome"),
		metric.WithUnit("{tick}"))
	cm.transitions, _ = meter.Int64Counter("coordinator.transitions",
		metric.WithDescription("Source connection state transitions"),
		metric.WithUnit("{transition}"))
	cm.failovers, _ = meter.Int64Counter("coordinator.failovers",
		metric.WithDescription("Promotions of a fallback source after a demotion"),
		metric.WithUnit("{failover}"))
	cm.warmups, _ = meter.Int64Counter("coordinator.warmups",
		metric.WithDescription("Out-of-band warm-up polls scheduled"),
		metric.WithUnit("{poll}"))
	cm.backoff, _ = meter.Float64Histogram("coordinator.backoff.delay",
		metric.WithDescription("Backoff and rate-limit pauses applied to sources"),
		metric.WithUnit("ms"))
	return cm
}

func (cm *coordinatorMetrics) recordTick(ctx context.Context, source string, accepted bool) {
	if cm == nil || cm.ticks == nil {
		return
	}
	result := telemetry.ResultAccepted
	if !accepted {
		result = telemetry.ResultRejected
	}
	attrs := append(telemetry.SourceAttributes(cm.environment, source), telemetry.AttrResult.String(result))
	cm.ticks.Add(detach(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *coordinatorMetrics) recordTransition(ctx context.Context, source string, to price.ConnectionState) {
	if cm == nil || cm.transitions == nil {
		return
	}
	cm.transitions.Add(detach(ctx), 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(cm.environment, source, to.String())...))
}

func (cm *coordinatorMetrics) recordFailover(ctx context.Context, from, to string) {
	if cm == nil || cm.failovers == nil {
		return
	}
	attrs := append(telemetry.SourceAttributes(cm.environment, to), telemetry.AttrReason.String("from:"+from))
	cm.failovers.Add(detach(ctx), 1, metric.WithAttributes(attrs...))
}

func (cm *coordinatorMetrics) recordWarmup(ctx context.Context, source string) {
	if cm == nil || cm.warmups == nil {
		return
	}
	cm.warmups.Add(detach(ctx), 1, metric.WithAttributes(telemetry.SourceAttributes(cm.environment, source)...))
}

func (cm *coordinatorMetrics) recordBackoff(ctx context.Context, source string, delay time.Duration, reason string) {
	if cm == nil || cm.backoff == nil {
		return
	}
	attrs := append(telemetry.SourceAttributes(cm.environment, source), telemetry.AttrReason.String(reason))
	cm.backoff.Record(detach(ctx), float64(delay.Milliseconds()), metric.WithAttributes(attrs...))
}

func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
