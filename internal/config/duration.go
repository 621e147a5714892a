package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("2s", "5m",
// "1h30m"). The path argument names the field in errors, e.g.
// "dispatcher.send_interval".

// ParseDurationField parses an optional, non-negative duration. An empty
// value yields 0, which callers treat as "unset" or "disabled".
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value. Timeouts and send gaps use it since zero is never
// meaningful for them.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	switch {
	case err != nil:
		return 0, err
	case !set || d == 0:
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (time.Duration, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, true, nil
}
