package domain

import (
	"fmt"
	"time"
)

// TimestampLayout is the calendar form the upstream tile server uses in its
// URLs: UTC, second precision, no separators.
const TimestampLayout = "20060102150405"

// Timestamp identifies one publication slot of the imagery source.
// The string form is lexicographically ordered, so it doubles as the sort
// and comparison key in the store and the retry queue.
type Timestamp string

// ParseTimestamp validates the fixed YYYYMMDDHHMMSS form.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return TimestampFromTime(t), nil
}

// TimestampFromTime converts an instant to its slot identifier in UTC.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(TimestampLayout))
}

// Time returns the slot instant in UTC. Malformed values yield the zero
// time; construct timestamps through ParseTimestamp or TimestampFromTime.
func (ts Timestamp) Time() time.Time {
	t, err := time.ParseInLocation(TimestampLayout, string(ts), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (ts Timestamp) Before(other Timestamp) bool {
	return ts < other
}

func (ts Timestamp) String() string {
	return string(ts)
}
