// Package system adapts the wall clock to harvest.Clock. Production code
// injects this; tests inject fakes with controllable time.
package system

import "time"

// Clock reads time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
