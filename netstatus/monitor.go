package netstatus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/sirupsen/logrus"
)

// Monitor reports connectivity and notifies subscribers of changes.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for every change and returns a function that
	// removes it. fn is never called with the same value twice in a row.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// broadcaster holds the shared state and subscriber list.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(bool)
}

func newBroadcaster(online bool) broadcaster {
	return broadcaster{online: online, subs: make(map[int]func(bool))}
}

// Online returns the last reported status.
func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Subscribe registers fn for status changes.
func (b *broadcaster) Subscribe(fn func(bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	subs := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Manual is a Monitor whose status is set explicitly.
type Manual struct {
	broadcaster
}

// NewManual creates a manual monitor with the given initial status.
func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// SetOnline updates the status, notifying subscribers on change.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// DialFunc opens a connection for a reachability check.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialMonitor is a Monitor that periodically dials a TCP address.
type DialMonitor struct {
	broadcaster

	address  string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	dial     DialFunc

	runMu   sync.Mutex
	timer   clock.Timer
	running bool
}

// NewDialMonitor creates a monitor for address. It starts out online and only
// reports offline after a failed dial.
func NewDialMonitor(address string, interval time.Duration, clk clock.Clock) *DialMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	d := &net.Dialer{}
	return &DialMonitor{
		broadcaster: newBroadcaster(true),
		address:     address,
		interval:    interval,
		timeout:     5 * time.Second,
		clock:       clock.OrDefault(clk),
		dial:        d.DialContext,
	}
}

// SetDialer replaces the dial function (primarily for testing).
func (p *DialMonitor) SetDialer(dial DialFunc) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.dial = dial
}

// Start runs one check immediately and then one per interval until Stop.
func (p *DialMonitor) Start() {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return
	}
	p.running = true
	p.runMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "DialMonitor.Start",
		"address":  p.address,
		"interval": p.interval,
	}).Info("Starting connectivity checks")

	p.tick()
}

// Stop cancels future checks.
func (p *DialMonitor) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Check dials once and updates the status.
func (p *DialMonitor) Check(ctx context.Context) bool {
	p.runMu.Lock()
	dial := p.dial
	p.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := dial(ctx, "tcp", p.address)
	online := err == nil
	if online {
		conn.Close()
	}

	if p.set(online) {
		fields := logrus.Fields{
			"function": "DialMonitor.Check",
			"address":  p.address,
			"online":   online,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Info("Connectivity changed")
	}
	return online
}

func (p *DialMonitor) tick() {
	p.Check(context.Background())

	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return
	}
	p.timer = p.clock.AfterFunc(p.interval, p.tick)
}
