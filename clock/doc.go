// Package clock abstracts time for the negotiation channel components.
//
// Every component that schedules work (reconnect backoff, rate-limit
// self-clear, typing expiry, queue purge) takes a Clock instead of calling
// the time package directly, so that tests can drive time explicitly:
//
//	c := clock.NewManual(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
//	tracker := ratelimit.NewTracker(10, c)
//	tracker.Block(60 * time.Second)
//	c.Advance(60 * time.Second) // fires the unblock timer synchronously
//
// Real is the production implementation and is safe for concurrent use.
package clock
