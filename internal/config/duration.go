package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional, non-negative Go duration. Blank
// means zero. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationList requires every entry to be positive.
func ParseDurationList(path string, raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, len(raw))
	for i, s := range raw {
		field := fmt.Sprintf("%s[%d]", path, i)
		d, err := ParseDurationField(field, s)
		if err != nil {
			return nil, err
		}
		if d == 0 {
			return nil, fmt.Errorf("%s: must be > 0", field)
		}
		out[i] = d
	}
	return out, nil
}
