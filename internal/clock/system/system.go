// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements archive.Clock. Readings are UTC and truncated to
// microseconds so they round-trip through every record store unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
