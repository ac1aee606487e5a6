package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was already stopped.
	Stop() bool
}

// Clock abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	AfterFunc(d time.Duration, f func()) Timer
}

// Real uses the standard library time functions.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// AfterFunc calls f in its own goroutine after d has elapsed.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// defaultClock is the package-level default for components built without a clock.
var defaultClock Clock = Real{}

// SetDefault sets the package-level clock. Pass nil to reset to Real.
func SetDefault(c Clock) {
	if c == nil {
		c = Real{}
	}
	defaultClock = c
}

// Default returns the current package-level clock.
func Default() Clock {
	return defaultClock
}

// OrDefault returns c, or the package-level clock when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return defaultClock
	}
	return c
}
