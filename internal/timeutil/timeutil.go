// Package timeutil provides UTC minute rounding for grant lifetimes.
package timeutil

import "time"

// FloorMinute truncates t to the enclosing minute in UTC.
func FloorMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// CeilMinute rounds t up to the next minute boundary in UTC. A time
// already on a minute boundary is returned unchanged.
func CeilMinute(t time.Time) time.Time {
	t = t.UTC()
	floored := t.Truncate(time.Minute)
	if floored.Equal(t) {
		return t
	}
	return floored.Add(time.Minute)
}

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}
