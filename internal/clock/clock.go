package clock

import "time"

// Scheduler abstracts time and timer callbacks so the capture engine can run
// against both real and manual time.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc arms f to run once after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single armed callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped it
	// before it fired.
	Stop() bool
}

// RealScheduler delegates to the standard time package.
type RealScheduler struct{}

func NewRealScheduler() *RealScheduler {
	return &RealScheduler{}
}

func (s *RealScheduler) Now() time.Time {
	return time.Now()
}

func (s *RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
