package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
)

// DefaultRemoteTTL bounds how long a remote party stays listed without a
// fresh typing signal.
const DefaultRemoteTTL = 10 * time.Second

// Typer is a remote party that is currently typing.
type Typer struct {
	PartyID string
	Name    string
	Since   time.Time
}

type entry struct {
	typer Typer
	timer clock.Timer
	gen   uint64
}

// Aggregator is the set of active remote typers.
type Aggregator struct {
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	active   map[string]*entry
	gen      uint64
	onChange func([]Typer)
}

// NewAggregator creates an empty aggregator. A non-positive ttl selects
// DefaultRemoteTTL.
func NewAggregator(ttl time.Duration, clk clock.Clock) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultRemoteTTL
	}
	return &Aggregator{
		clock:  clock.OrDefault(clk),
		ttl:    ttl,
		active: make(map[string]*entry),
	}
}

// OnChange sets the listener invoked with the new set after every change.
func (a *Aggregator) OnChange(fn func([]Typer)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// SetTyping adds partyID to the active set, or refreshes its expiry.
func (a *Aggregator) SetTyping(partyID, name string) {
	if partyID == "" {
		return
	}

	a.mu.Lock()
	a.gen++
	gen := a.gen
	e, exists := a.active[partyID]
	if exists {
		e.timer.Stop()
		e.typer.Name = name
	} else {
		e = &entry{typer: Typer{PartyID: partyID, Name: name, Since: a.clock.Now()}}
		a.active[partyID] = e
	}
	e.gen = gen
	e.timer = a.clock.AfterFunc(a.ttl, func() { a.expire(partyID, gen) })
	snap, fn := a.snapshotLocked(), a.onChange
	a.mu.Unlock()

	if !exists && fn != nil {
		fn(snap)
	}
}

// ClearTyping removes partyID from the active set.
func (a *Aggregator) ClearTyping(partyID string) {
	a.mu.Lock()
	e, ok := a.active[partyID]
	if !ok {
		a.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(a.active, partyID)
	snap, fn := a.snapshotLocked(), a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Reset clears every entry, e.g. when the session is lost.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	if len(a.active) == 0 {
		a.mu.Unlock()
		return
	}
	for id, e := range a.active {
		e.timer.Stop()
		delete(a.active, id)
	}
	fn := a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
}

// Typers returns the active set ordered by party id.
func (a *Aggregator) Typers() []Typer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// IsTyping reports whether partyID is in the active set.
func (a *Aggregator) IsTyping(partyID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[partyID]
	return ok
}

func (a *Aggregator) expire(partyID string, gen uint64) {
	a.mu.Lock()
	e, ok := a.active[partyID]
	if !ok || e.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.active, partyID)
	snap, fn := a.snapshotLocked(), a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

func (a *Aggregator) snapshotLocked() []Typer {
	if len(a.active) == 0 {
		return nil
	}
	out := make([]Typer, 0, len(a.active))
	for _, e := range a.active {
		out = append(out, e.typer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out
}
