package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for pricefeed telemetry, namespaced as namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSource identifies which upstream price source produced the signal.
	AttrSource = attribute.Key("source")
	AttrSymbol = attribute.Key("symbol")
	// AttrConnectionState labels coordinator state transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrResult records the outcome of an operation (accepted, rejected, fresh, stale, miss...).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional context for rejections and failures.
	AttrReason = attribute.Key("reason")
	AttrErrorType = attribute.Key("error.type")
	AttrOperation = attribute.Key("operation")
)

// Result values shared by cache and ingest metrics.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFresh    = "fresh"
	ResultStale    = "stale"
	ResultMiss     = "miss"
	ResultSuccess  = "success"
	ResultError    = "error"
)

// SourceAttributes returns common attributes for per-source metrics.
func SourceAttributes(environment, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, source, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrConnectionState.String(state),
	}
}

// ResultAttributes returns attributes for an operation outcome.
func ResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, source, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrErrorType.String(errorType),
	}
}
