package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StringValue reads a string setting from an adapter config map.
func StringValue(cfg map[string]any, key, fallback string) string {
	if raw, ok := cfg[key]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

// DurationValue reads a duration given as a string ("5s") or a number of seconds.
func DurationValue(cfg map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case time.Duration:
		return v, nil
	default:
		return 0, fmt.Errorf("%s: unsupported duration type %T", key, raw)
	}
}

// FloatValue reads a numeric setting.
func FloatValue(cfg map[string]any, key string, fallback float64) (float64, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: unsupported numeric type %T", key, raw)
	}
}

// StringMap reads a string-to-string mapping such as symbol to coin id overrides.
func StringMap(cfg map[string]any, key string) map[string]string {
	out := make(map[string]string)
	switch v := cfg[key].(type) {
	case map[string]any:
		for k, raw := range v {
			if s, ok := raw.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	}
	return out
}
