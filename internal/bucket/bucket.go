// Package bucket defines the time-partitioned aggregate units used for
// dirty tracking. Aggregates are bucketed by ISO week.
package bucket

import (
	"fmt"
	"time"
)

// Key identifies one weekly aggregate bucket, formatted as "2026-W35".
type Key string

// ForTime returns the bucket containing the given instant. Bucketing is done
// in UTC so that the same instant always lands in the same bucket regardless
// of the local zone of the process that observed it.
func ForTime(t time.Time) Key {
	year, week := t.UTC().ISOWeek()
	return Key(fmt.Sprintf("%04d-W%02d", year, week))
}

// Range returns every bucket from the one containing from up to and including
// the one containing to. An inverted range yields nil.
func Range(from, to time.Time) []Key {
	if to.Before(from) {
		return nil
	}

	var keys []Key
	last := ForTime(to)
	for t := from.UTC(); ; t = t.AddDate(0, 0, 7) {
		key := ForTime(t)
		keys = append(keys, key)
		if key == last {
			return keys
		}
	}
}
