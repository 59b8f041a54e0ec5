package binance

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

type streamMetrics struct {
	environment string
	source      string

	messages   metric.Int64Counter
	reconnects metric.Int64Counter
}

func newStreamMetrics(source string) *streamMetrics {
	meter := otel.Meter("adapter.binance")
	sm := &streamMetrics{
		environment: telemetry.Environment(),
		source:      source,
	}
	sm.messages, _ = meter.Int64Counter("pricefeed_source_binance_messages",
		metric.WithDescription("miniTicker frames received from Binance by result"),
		metric.WithUnit("{message}"))
	sm.reconnects, _ = meter.Int64Counter("pricefeed_source_binance_reconnects",
		metric.WithDescription("Binance stream sessions that ended and were redialed"),
		metric.WithUnit("{reconnect}"))
	return sm
}

func (sm *streamMetrics) recordMessage(ctx context.Context, ok bool) {
	if sm == nil || sm.messages == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !ok {
		result = telemetry.ResultError
	}
	attrs := append(telemetry.SourceAttributes(sm.environment, sm.source), telemetry.AttrResult.String(result))
	sm.messages.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, err error) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := append(telemetry.SourceAttributes(sm.environment, sm.source), telemetry.AttrResult.String(result))
	sm.reconnects.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}
