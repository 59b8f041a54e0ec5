package coordinator

import (
	"time"

	"github.com/coachpo/pricefeed/internal/domain/price"
)

// Status is an immutable snapshot of the coordinator's view of every source, ordered by
// ascending priority.
type Status struct {
	Sources       []price.SourceDescriptor
	ActiveSource  string
	StandbySource string
	LastTickAt    time.Time
}

// AllDown reports whether every source is backing off or stopped.
func (s Status) AllDown() bool {
	if len(s.Sources) == 0 {
		return true
	}
	for _, d := range s.Sources {
		if d.State != price.StateBackoff && d.State != price.StateStopped {
			return false
		}
	}
	return true
}

// Source returns the descriptor with id.
func (s Status) Source(id string) (price.SourceDescriptor, bool) {
	for _, d := range s.Sources {
		if d.ID == id {
			return d, true
		}
	}
	return price.SourceDescriptor{}, false
}

// Health classifies the snapshot: healthy while the top-priority source is active and
// connected, unhealthy when every source is backing off, degraded otherwise.
func (s Status) Health(now time.Time) price.Health {
	h := price.Health{
		ActiveSource:  s.ActiveSource,
		StandbySource: s.StandbySource,
		LastTickAt:    s.LastTickAt,
		Sources:       append([]price.SourceDescriptor(nil), s.Sources...),
	}
	if !s.LastTickAt.IsZero() {
		if age := now.Sub(s.LastTickAt); age > 0 {
			h.LastTickAge = age
		}
	}
	switch {
	case s.AllDown():
		h.Status = price.HealthUnhealthy
	case s.primaryConnected():
		h.Status = price.HealthHealthy
	default:
		h.Status = price.HealthDegraded
	}
	return h
}

func (s Status) primaryConnected() bool {
	active, ok := s.Source(s.ActiveSource)
	if !ok || active.State != price.StateConnected {
		return false
	}
	return active.Priority <= s.Sources[0].Priority
}
