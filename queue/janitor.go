package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/opd-ai/tradechat/clock"
	"github.com/sirupsen/logrus"
)

// DefaultPurgeSchedule runs the janitor at the top of every hour.
const DefaultPurgeSchedule = "0 * * * *"

// ErrInvalidSchedule indicates a cron expression gronx cannot parse.
var ErrInvalidSchedule = errors.New("invalid purge schedule")

// Janitor purges expired entries on a cron schedule.
type Janitor struct {
	queue   *Queue
	expr    string
	maxAge  time.Duration
	clock   clock.Clock
	onPurge func([]Entry)

	mu      sync.Mutex
	timer   clock.Timer
	running bool
}

// NewJanitor validates expr and creates a stopped janitor. onPurge, if not
// nil, receives every non-empty batch of purged entries.
func NewJanitor(q *Queue, expr string, maxAge time.Duration, clk clock.Clock, onPurge func([]Entry)) (*Janitor, error) {
	if expr == "" {
		expr = DefaultPurgeSchedule
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	return &Janitor{
		queue:   q,
		expr:    expr,
		maxAge:  maxAge,
		clock:   clock.OrDefault(clk),
		onPurge: onPurge,
	}, nil
}

// Start schedules the first run.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if err := j.scheduleLocked(); err != nil {
		return err
	}
	j.running = true

	logrus.WithFields(logrus.Fields{
		"function": "Janitor.Start",
		"schedule": j.expr,
		"max_age":  j.maxAge,
	}).Info("Queue janitor started")
	return nil
}

// Stop cancels the next run.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}

// RunOnce purges immediately and returns what was removed.
func (j *Janitor) RunOnce() ([]Entry, error) {
	purged, err := j.queue.PurgeOlderThan(j.maxAge)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Janitor.RunOnce",
			"error":    err.Error(),
		}).Error("Queue purge failed")
	}
	if len(purged) > 0 && j.onPurge != nil {
		j.onPurge(purged)
	}
	return purged, err
}

func (j *Janitor) run() {
	j.RunOnce()

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	if err := j.scheduleLocked(); err != nil {
		j.running = false
		j.timer = nil
	}
}

func (j *Janitor) scheduleLocked() error {
	now := j.clock.Now()
	next, err := gronx.NextTickAfter(j.expr, now, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Janitor.schedule",
			"schedule": j.expr,
			"error":    err.Error(),
		}).Error("Failed to compute next purge time")
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	j.timer = j.clock.AfterFunc(next.Sub(now), j.run)
	return nil
}
