package price

import "time"

// Kind distinguishes persistent feeds from request/response providers.
type Kind string

const (
	KindStreaming Kind = "streaming"
	KindPolled    Kind = "polled"
)

// ConnectionState is the coordinator's view of a source.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateBackoff
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SourceDescriptor captures the runtime bookkeeping for one configured source.
type SourceDescriptor struct {
	ID                  string          `json:"id"`
	Priority            int             `json:"priority"`
	Kind                Kind            `json:"kind"`
	State               ConnectionState `json:"state"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastSuccessAt       time.Time       `json:"lastSuccessAt,omitempty"`
	NextRetryAt         time.Time       `json:"nextRetryAt,omitempty"`
	LastBackoff         time.Duration   `json:"lastBackoff,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	Active              bool            `json:"active"`
	Standby             bool            `json:"standby"`
	Paused              bool            `json:"paused,omitempty"`
}

// Eligible reports whether the source may be started at now.
func (d SourceDescriptor) Eligible(now time.Time) bool {
	switch d.State {
	case StateStopped:
		return false
	case StateBackoff:
		return !now.Before(d.NextRetryAt)
	default:
		return true
	}
}
