package config

import (
	"fmt"
	"strings"
	"time"
)

// Accepted ranges for loop timing settings.
const (
	MinLoopDuration = time.Millisecond
	MaxLoopDuration = time.Second
	MaxExpiration   = 10 * time.Second
)

// ParseDurationField parses a Go duration string. Blank means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration like \"20ms\": %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %s is negative", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with zero and blank mapped
// to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseBoundedDuration returns def for a blank value; anything else must
// fall within [lo, hi].
func ParseBoundedDuration(path, raw string, def, lo, hi time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d < lo || d > hi {
		return 0, fmt.Errorf("%s: %s outside [%s, %s]", path, d, lo, hi)
	}
	return d, nil
}
