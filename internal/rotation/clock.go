package rotation

import "time"

// Clock abstracts time so schedules can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it
	// already ran or was stopped.
	Stop() bool
}

// wallClock is the real clock.
type wallClock struct{}

// Now implements Clock.
func (wallClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock.
func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
