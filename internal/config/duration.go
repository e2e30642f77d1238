package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a duration setting at path. Besides Go syntax it
// accepts a whole number of days ("30d"), the natural unit for retention. An
// empty value is 0, which callers treat as "use the default".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: want whole days like \"30d\"", path, raw)
		}
		if days < 0 {
			return 0, fmt.Errorf("%s: duration %q must not be negative", path, raw)
		}
		return time.Duration(days) * day, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (examples: 500ms, 5s, 1h, 30d)", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration %q must not be negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
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
