// Package clock is the time source and delayed-callback scheduler shared by
// the bounce supervisor, the window monitor and the presence registry.
package clock

import "time"

// Clock tells time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing; false if it already fired or
	// was stopped.
	Stop() bool
}

type realClock struct{}

// New returns the wall clock.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
