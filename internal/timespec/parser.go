// Package timespec parses the time bounds the CLI accepts: a Go duration
// ("1h", "30m", "1h30m") meaning that long ago, or an absolute RFC3339
// timestamp. Results are Unix milliseconds to match item created_at_ms.
package timespec

import (
	"fmt"
	"time"
)

// Parse converts one specification to Unix milliseconds.
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses the --since and --until flags together. An empty flag
// leaves that end unbounded (zero). Both set requires since < until.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64

	if since != "" {
		ms, err := Parse(since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
		sinceMS = ms
	}
	if until != "" {
		ms, err := Parse(until)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
		untilMS = ms
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
