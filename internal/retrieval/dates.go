package retrieval

import (
	"fmt"
	"regexp"
	"time"
)

// dayPattern enforces the exact YYYY-MM-DD shape: four-digit year,
// zero-padded month and day, dash separators.
var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// parseDay validates a calendar-date bound. Shape errors and impossible
// dates get distinct messages; flag names the offending input ("after"
// or "before").
func parseDay(flag, value string) (time.Time, error) {
	if !dayPattern.MatchString(value) {
		return time.Time{}, fmt.Errorf("invalid --%s date: %q (expected YYYY-MM-DD)", flag, value)
	}
	// time.Parse rejects month 13, Feb 30, and non-leap Feb 29 while
	// accepting real leap days.
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid calendar date: %q", value)
	}
	return t, nil
}

// dayBounds converts optional inclusive after/before dates into
// millisecond timestamps covering whole days. Zero return values mean
// the bound is absent.
func dayBounds(after, before string) (afterMs, beforeMs int64, err error) {
	if after != "" {
		t, err := parseDay("after", after)
		if err != nil {
			return 0, 0, err
		}
		afterMs = t.UnixMilli()
	}
	if before != "" {
		t, err := parseDay("before", before)
		if err != nil {
			return 0, 0, err
		}
		// Inclusive: the bound covers the entire named day.
		beforeMs = t.Add(24*time.Hour).UnixMilli() - 1
	}
	return afterMs, beforeMs, nil
}
