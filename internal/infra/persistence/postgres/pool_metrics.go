package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricefeed/internal/infra/telemetry"
)

// ObservePoolMetrics registers a gauge reporting pgx pool connections by state
// (idle, acquired, constructing) and a counter-style gauge of total connections.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}
	withState := func(state string) metric.MeasurementOption {
		attrs := append(append([]attribute.KeyValue(nil), base...), attribute.String("state", state))
		return metric.WithAttributes(attrs...)
	}

	meter := otel.Meter("postgres.pool")
	conns, err := meter.Int64ObservableGauge("pricefeed_db_pool_connections",
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return
	}
	total, err := meter.Int64ObservableGauge("pricefeed_db_pool_connections_total",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		observer.ObserveInt64(conns, int64(stat.IdleConns()), withState("idle"))
		observer.ObserveInt64(conns, int64(stat.AcquiredConns()), withState("acquired"))
		observer.ObserveInt64(conns, int64(stat.ConstructingConns()), withState("constructing"))
		observer.ObserveInt64(total, int64(stat.TotalConns()), metric.WithAttributes(base...))
		return nil
	}, conns, total)
}
