package config

import (
	"fmt"
	"time"

	"github.com/coachpo/pricefeed/internal/source"
)

// SourceConfig describes one price source in priority order. Config is handed to the
// adapter factory untouched.
type SourceConfig struct {
	ID           string         `yaml:"id"`
	Adapter      string         `yaml:"adapter"`
	Priority     int            `yaml:"priority"`
	Enabled      *bool          `yaml:"enabled"`
	PollInterval time.Duration  `yaml:"pollInterval"`
	Config       map[string]any `yaml:"config"`
}

// IsEnabled reports whether the source participates; sources are enabled unless disabled
// explicitly.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s *SourceConfig) normalise() {
	s.Adapter = normalizeIdentifier(s.Adapter)
	s.ID = normalizeIdentifier(s.ID)
	if s.ID == "" {
		s.ID = s.Adapter
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}
}

func (s SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id required")
	}
	if s.Adapter == "" {
		return fmt.Errorf("adapter required")
	}
	if s.Priority <= 0 {
		return fmt.Errorf("priority must be >0")
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("pollInterval must be >=0")
	}
	return nil
}

// Spec converts the entry into a registry source.Spec.
func (s SourceConfig) Spec() source.Spec {
	cfg := make(map[string]any, len(s.Config))
	for k, v := range s.Config {
		cfg[k] = v
	}
	return source.Spec{
		ID:       s.ID,
		Adapter:  s.Adapter,
		Priority: s.Priority,
		Enabled:  s.IsEnabled(),
		Config:   cfg,
	}
}

// EnabledSources returns the enabled entries in configuration order.
func (c AppConfig) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.IsEnabled() {
			out = append(out, src)
		}
	}
	return out
}

// Priorities maps source ids to priorities for the cache overwrite rule.
func (c AppConfig) Priorities() map[string]int {
	out := make(map[string]int, len(c.Sources))
	for _, src := range c.Sources {
		out[src.ID] = src.Priority
	}
	return out
}
