package coordinator

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the per-source exponential backoff schedule: it starts at the floor, doubles
// on every consecutive demotion and is capped at the ceiling. It has no jitter, so the
// sequence is non-decreasing and reproducible.
type Policy struct {
	b *backoff.ExponentialBackOff
}

// NewPolicy constructs a policy between floor and ceiling.
func NewPolicy(floor, ceiling time.Duration) *Policy {
	if ceiling < floor {
		ceiling = floor
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = floor
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &Policy{b: b}
}

// Next returns the delay for the next backoff cycle.
func (p *Policy) Next() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop || d > p.b.MaxInterval {
		return p.b.MaxInterval
	}
	return d
}

// Reset returns the schedule to the floor.
func (p *Policy) Reset() {
	p.b.Reset()
}
