package typing

import (
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/sirupsen/logrus"
)

// DefaultIdleTimeout is the local inactivity after which "stopped" is sent.
const DefaultIdleTimeout = 3 * time.Second

// Broadcaster emits the local party's typing signal.
type Broadcaster struct {
	clock clock.Clock
	idle  time.Duration
	emit  func(isTyping bool)

	mu     sync.Mutex
	typing bool
	timer  clock.Timer
	gen    uint64
}

// NewBroadcaster creates a broadcaster calling emit on every signal change.
// emit runs on the caller's goroutine for starts and on a timer goroutine
// for idle stops; it must not block for long.
func NewBroadcaster(idle time.Duration, clk clock.Clock, emit func(isTyping bool)) *Broadcaster {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Broadcaster{
		clock: clock.OrDefault(clk),
		idle:  idle,
		emit:  emit,
	}
}

// Keystroke records local input. Only the first keystroke of a burst emits.
func (b *Broadcaster) Keystroke() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.idle, func() { b.idleStop(gen) })
	start := !b.typing
	b.typing = true
	b.mu.Unlock()

	if start {
		logrus.WithFields(logrus.Fields{
			"function": "Broadcaster.Keystroke",
		}).Debug("Local typing started")
		b.emit(true)
	}
}

// Stop ends the current burst immediately, e.g. when a message is sent.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	was := b.typing
	b.typing = false
	b.mu.Unlock()

	if was {
		b.emit(false)
	}
}

// Reset forgets the current burst without emitting, e.g. after the
// connection was lost and the server already dropped the signal.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.typing = false
}

// Typing reports whether a burst is in progress.
func (b *Broadcaster) Typing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.typing
}

func (b *Broadcaster) idleStop(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || !b.typing {
		b.mu.Unlock()
		return
	}
	b.typing = false
	b.timer = nil
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Broadcaster.idleStop",
		"idle":     b.idle,
	}).Debug("Local typing stopped after inactivity")
	b.emit(false)
}
