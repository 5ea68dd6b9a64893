package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseWindow parses a duration string such as "24h" or "30m" and rejects
// non-positive windows.
func ParseWindow(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %s", d)
	}
	return d, nil
}

// BucketIndex maps ts into one of n equal sub-intervals of [start, end).
// Returns -1 when ts falls outside the range.
func BucketIndex(ts, start, end time.Time, n int) int {
	if n <= 0 || !end.After(start) || ts.Before(start) || ts.After(end) {
		return -1
	}
	if !ts.Before(end) {
		return n - 1
	}
	span := end.Sub(start)
	idx := int(int64(n) * int64(ts.Sub(start)) / int64(span))
	if idx >= n {
		idx = n - 1
	}
	return idx
}
