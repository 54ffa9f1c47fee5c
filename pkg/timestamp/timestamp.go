// Package timestamp provides standardized Unix timestamp handling utilities.
//
// The canonical timestamp representation is int64 milliseconds since the
// Unix epoch (UTC). A value of 0 means "not set".
package timestamp

import (
	"fmt"
	"time"
)

// Wire formats accepted in incoming payloads.
const (
	FormatRFC3339 = "rfc3339" // 2024-01-15T10:30:00Z or with offset
	FormatUnixMs  = "unix_ms" // integer milliseconds since epoch
	FormatUnixS   = "unix_s"  // integer or fractional seconds since epoch
	FormatNaive   = "iso8601" // 2024-01-15T10:30:00 without zone, assumed UTC
)

const naiveLayout = "2006-01-02T15:04:05"

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a UTC time.Time.
// Returns zero time if the timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns empty string if the timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// ParseString parses a string timestamp in the given wire format and
// returns Unix milliseconds.
func ParseString(value, format string) (int64, error) {
	switch format {
	case FormatRFC3339, "":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return 0, fmt.Errorf("parse rfc3339 timestamp %q: %w", value, err)
		}
		return t.UnixMilli(), nil
	case FormatNaive:
		t, err := time.ParseInLocation(naiveLayout, value, time.UTC)
		if err != nil {
			return 0, fmt.Errorf("parse iso8601 timestamp %q: %w", value, err)
		}
		return t.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("timestamp format %q does not accept strings", format)
	}
}

// ParseNumber interprets a numeric timestamp in the given wire format
// and returns Unix milliseconds.
func ParseNumber(value float64, format string) (int64, error) {
	switch format {
	case FormatUnixMs:
		return int64(value), nil
	case FormatUnixS:
		return int64(value * 1000), nil
	default:
		return 0, fmt.Errorf("timestamp format %q does not accept numbers", format)
	}
}

// ValidFormat reports whether format names a supported wire format.
func ValidFormat(format string) bool {
	switch format {
	case FormatRFC3339, FormatUnixMs, FormatUnixS, FormatNaive:
		return true
	}
	return false
}

// IsZero checks if a timestamp is unset.
func IsZero(ms int64) bool {
	return ms == 0
}

// Since returns the duration since the given timestamp.
// Returns 0 if the timestamp is zero.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// Between returns the duration between two timestamps.
// Returns 0 if either timestamp is zero.
func Between(start, end int64) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return time.UnixMilli(end).Sub(time.UnixMilli(start))
}

// Validate checks that a timestamp is non-negative and not absurdly far
// in the future.
func Validate(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timestamp cannot be negative: %d", ms)
	}
	// Year 3000.
	if ms > 32503680000000 {
		return fmt.Errorf("timestamp too far in future: %d", ms)
	}
	return nil
}
