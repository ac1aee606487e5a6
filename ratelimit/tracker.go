package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/limits"
	"github.com/sirupsen/logrus"
)

// ErrBlocked matches any *BlockedError with errors.Is.
var ErrBlocked = errors.New("rate limited")

// BlockedError is returned while sends are blocked.
type BlockedError struct {
	RetryAfter time.Duration
	Until      time.Time
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// State is a snapshot of the tracker.
type State struct {
	Remaining  int
	Limit      int
	Blocked    bool
	RetryAfter time.Duration
	Until      time.Time
}

// Tracker holds the local view of the send quota.
type Tracker struct {
	clock clock.Clock

	mu        sync.Mutex
	limit     int
	remaining int
	blocked   bool
	until     time.Time
	timer     clock.Timer
	gen       uint64
	listeners []func(State)
}

// NewTracker creates an unblocked tracker with the full quota available.
// A non-positive limit selects limits.DefaultSendQuota.
func NewTracker(limit int, clk clock.Clock) *Tracker {
	if limit <= 0 || limit > limits.MaxSendQuota {
		limit = limits.DefaultSendQuota
	}
	return &Tracker{
		clock:     clock.OrDefault(clk),
		limit:     limit,
		remaining: limit,
	}
}

// OnChange registers a listener called after every state change, outside
// the tracker's lock.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Allow returns a *BlockedError while blocked and nil otherwise.
func (t *Tracker) Allow() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.blocked {
		return nil
	}
	wait := t.until.Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return &BlockedError{RetryAfter: wait, Until: t.until}
}

// SetQuota adopts the quota advertised by the server on join.
func (t *Tracker) SetQuota(remaining, limit int) {
	t.mu.Lock()
	if limit > 0 && limit <= limits.MaxSendQuota {
		t.limit = limit
	}
	t.remaining = clamp(remaining, t.limit)
	st := t.stateLocked()
	t.mu.Unlock()

	t.notify(st)
}

// OnAck records the remaining quota reported with an acknowledgement.
func (t *Tracker) OnAck(remaining int) {
	t.mu.Lock()
	if t.blocked {
		t.mu.Unlock()
		return
	}
	t.remaining = clamp(remaining, t.limit)
	st := t.stateLocked()
	t.mu.Unlock()

	t.notify(st)
}

// Block blocks sends for retryAfter and schedules the automatic unblock.
// A non-positive retryAfter selects limits.DefaultRateLimitWindow.
func (t *Tracker) Block(retryAfter time.Duration) *BlockedError {
	if retryAfter <= 0 {
		retryAfter = limits.DefaultRateLimitWindow
	}

	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.blocked = true
	t.remaining = 0
	t.until = t.clock.Now().Add(retryAfter)
	t.timer = t.clock.AfterFunc(retryAfter, func() { t.unblock(gen) })
	st := t.stateLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Tracker.Block",
		"retry_after": retryAfter,
		"until":       st.Until,
	}).Info("Send quota exhausted, blocking sends")

	t.notify(st)
	return &BlockedError{RetryAfter: retryAfter, Until: st.Until}
}

// State returns a snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// Stop cancels a pending unblock timer. The tracker stays in its current state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Tracker) unblock(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.blocked {
		t.mu.Unlock()
		return
	}
	t.blocked = false
	t.remaining = t.limit
	t.until = time.Time{}
	t.timer = nil
	st := t.stateLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Tracker.unblock",
		"remaining": st.Remaining,
	}).Info("Send quota restored")

	t.notify(st)
}

func (t *Tracker) stateLocked() State {
	st := State{
		Remaining: t.remaining,
		Limit:     t.limit,
		Blocked:   t.blocked,
		Until:     t.until,
	}
	if t.blocked {
		st.RetryAfter = t.until.Sub(t.clock.Now())
		if st.RetryAfter < 0 {
			st.RetryAfter = 0
		}
	}
	return st
}

func (t *Tracker) notify(st State) {
	t.mu.Lock()
	listeners := append([]func(State){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
