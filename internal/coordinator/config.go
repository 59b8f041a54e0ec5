package coordinator

import (
	"fmt"
	"time"
)

const (
	defaultDegradeThreshold = 3
	defaultBackoffThreshold = 5
	defaultBackoffFloor     = time.Second
	defaultBackoffCeiling   = 30 * time.Second
	defaultRateLimitPause   = 30 * time.Second
	defaultPollInterval     = 15 * time.Second
	defaultPollTimeout      = 10 * time.Second
	defaultTTL              = 30 * time.Second
	defaultEventBuffer      = 256
	defaultMaxSymbols       = 1024
)

// Config holds the failover thresholds and timings.
type Config struct {
	// DegradeThreshold is the consecutive failure count that moves a connected source
	// to Degraded and designates a standby.
	DegradeThreshold int
	// BackoffThreshold is the consecutive failure count that demotes a source to Backoff.
	BackoffThreshold int
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	// RateLimitPause applies when a rate-limited response carries no retry-after.
	RateLimitPause time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	// TTL is the freshness window stamped on every accepted tick.
	TTL         time.Duration
	EventBuffer int
	// MaxSymbols caps the tracked set that warm-ups can grow.
	MaxSymbols int
}

// DefaultConfig returns the default failover schedule.
func DefaultConfig() Config {
	return Config{
		DegradeThreshold: defaultDegradeThreshold,
		BackoffThreshold: defaultBackoffThreshold,
		BackoffFloor:     defaultBackoffFloor,
		BackoffCeiling:   defaultBackoffCeiling,
		RateLimitPause:   defaultRateLimitPause,
		PollInterval:     defaultPollInterval,
		PollTimeout:      defaultPollTimeout,
		TTL:              defaultTTL,
		EventBuffer:      defaultEventBuffer,
		MaxSymbols:       defaultMaxSymbols,
	}
}

// Normalize fills zero values with defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = def.DegradeThreshold
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = def.BackoffThreshold
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = def.BackoffFloor
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = def.BackoffCeiling
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = def.RateLimitPause
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.MaxSymbols <= 0 {
		c.MaxSymbols = def.MaxSymbols
	}
	return c
}

// Validate checks the relationships between thresholds and timings.
func (c Config) Validate() error {
	if c.BackoffThreshold < c.DegradeThreshold {
		return fmt.Errorf("coordinator: backoff threshold %d below degrade threshold %d", c.BackoffThreshold, c.DegradeThreshold)
	}
	if c.BackoffCeiling < c.BackoffFloor {
		return fmt.Errorf("coordinator: backoff ceiling %s below floor %s", c.BackoffCeiling, c.BackoffFloor)
	}
	return nil
}
