// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock reads time.Now in UTC. Watermarks and event timestamps are stored in
// UTC, so callers never see a local offset.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
