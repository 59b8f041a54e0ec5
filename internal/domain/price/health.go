package price

import "time"

// HealthStatus summarises the pipeline's ability to serve fresh prices.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the read model returned by the aggregation service.
type Health struct {
	Status        HealthStatus       `json:"status"`
	ActiveSource  string             `json:"activeSource,omitempty"`
	StandbySource string             `json:"standbySource,omitempty"`
	LastTickAt    time.Time          `json:"lastTickAt,omitempty"`
	LastTickAge   time.Duration      `json:"lastTickAgeNs"`
	Sources       []SourceDescriptor `json:"sources"`
}
