package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/tradechat/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDrainInProgress is returned when a drain for the channel is running.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrInvalidEntry indicates an entry that cannot be sent.
	ErrInvalidEntry = errors.New("invalid queue entry")
)

// SendFunc delivers one entry. Returning nil acknowledges it.
type SendFunc func(ctx context.Context, e Entry) error

// Dropped is an entry removed because of a permanent failure.
type Dropped struct {
	Entry Entry
	Err   error
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Sent    []Entry
	Dropped []Dropped
	// Err is the transient failure that stopped the drain, if any.
	Err error
	// Remaining is the number of entries left for the channel.
	Remaining int
}

// Queue is a FIFO of outbound entries backed by Storage.
type Queue struct {
	storage Storage
	clock   clock.Clock

	mu       sync.Mutex
	entries  []Entry
	nextSeq  uint64
	draining map[string]bool
	// inflight maps a channel to the entry its drain is sending.
	inflight map[string]string
}

// New creates a queue and loads any entries persisted by a previous run.
func New(storage Storage, clk clock.Clock) (*Queue, error) {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	entries, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	q := &Queue{
		storage:  storage,
		clock:    clock.OrDefault(clk),
		entries:  entries,
		nextSeq:  1,
		draining: make(map[string]bool),
		inflight: make(map[string]string),
	}
	for _, e := range entries {
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}

	if len(entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "queue.New",
			"entries":  len(entries),
		}).Info("Restored queued messages")
	}
	return q, nil
}

// Enqueue persists e and appends it to the tail. A missing ID is filled with
// a new UUID and a zero CreatedAt with the current time. The entry is durable
// when Enqueue returns.
func (q *Queue) Enqueue(e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.clock.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.entries {
		if existing.ID == e.ID {
			return Entry{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidEntry, e.ID)
		}
	}
	e.Seq = q.nextSeq
	if err := q.storage.Put(e); err != nil {
		return Entry{}, err
	}
	q.nextSeq++
	q.entries = append(q.entries, e)

	logrus.WithFields(logrus.Fields{
		"function":   "Queue.Enqueue",
		"channel_id": e.ChannelID,
		"entry_id":   e.ID,
		"seq":        e.Seq,
	}).Debug("Queued outbound message")

	return e, nil
}

// Entries returns the entries for channelID in FIFO order; an empty
// channelID returns every entry.
func (q *Queue) Entries(channelID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, e := range q.entries {
		if channelID == "" || e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries for channelID, or all entries if empty.
func (q *Queue) Len(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked(channelID)
}

// Draining reports whether a drain for channelID is running.
func (q *Queue) Draining(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining[channelID]
}

// Remove deletes the entry with the given id.
func (q *Queue) Remove(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

// Drain sends the channel's entries in FIFO order until the queue is empty,
// a send fails transiently, or ctx is done. Entries enqueued during the
// drain are sent in the same pass.
func (q *Queue) Drain(ctx context.Context, channelID string, send SendFunc) (DrainResult, error) {
	q.mu.Lock()
	if q.draining[channelID] {
		q.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	q.draining[channelID] = true
	q.mu.Unlock()

	var res DrainResult
	released := false
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		// Finding the queue empty and releasing the drain happen under one
		// lock, so an entry refused with ErrDrainInProgress is always seen.
		head, ok := q.nextOrFinish(channelID)
		if !ok {
			released = true
			break
		}
		if !q.drainOne(ctx, channelID, head, send, &res) {
			break
		}
	}

	q.mu.Lock()
	if !released {
		// A newer drain may already own the flag once released.
		delete(q.draining, channelID)
	}
	res.Remaining = q.lenLocked(channelID)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Queue.Drain",
		"channel_id": channelID,
		"sent":       len(res.Sent),
		"dropped":    len(res.Dropped),
		"remaining":  res.Remaining,
	}).Debug("Drain finished")

	return res, nil
}

// drainOne sends head and records the outcome. It reports whether the drain
// should continue with the next entry.
func (q *Queue) drainOne(ctx context.Context, channelID string, head Entry, send SendFunc, res *DrainResult) bool {
	err := send(ctx, head)

	q.mu.Lock()
	delete(q.inflight, channelID)
	q.mu.Unlock()
	if err != nil && !IsPermanent(err) {
		q.recordRetry(head.ID)
		res.Err = err
		return false
	}

	if _, rerr := q.Remove(head.ID); rerr != nil {
		res.Err = rerr
		return false
	}
	if err == nil {
		res.Sent = append(res.Sent, head)
		return true
	}

	res.Dropped = append(res.Dropped, Dropped{Entry: head, Err: err})
	logrus.WithFields(logrus.Fields{
		"function":   "Queue.Drain",
		"channel_id": channelID,
		"entry_id":   head.ID,
		"error":      err.Error(),
	}).Warn("Dropping queued message after permanent failure")
	return true
}

// PurgeOlderThan removes entries created more than maxAge ago and returns them.
func (q *Queue) PurgeOlderThan(maxAge time.Duration) ([]Entry, error) {
	cutoff := q.clock.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	var purged []Entry
	var firstErr error
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.CreatedAt.Before(cutoff) || q.inflight[e.ChannelID] == e.ID {
			kept = append(kept, e)
			continue
		}
		if err := q.storage.Delete(e.ChannelID, e.Seq); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			kept = append(kept, e)
			continue
		}
		purged = append(purged, e)
	}
	q.entries = kept

	if len(purged) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Queue.PurgeOlderThan",
			"max_age":  maxAge,
			"purged":   len(purged),
		}).Info("Purged expired queued messages")
	}
	return purged, firstErr
}

// Close closes the underlying storage.
func (q *Queue) Close() error {
	return q.storage.Close()
}

// nextOrFinish returns the channel's head entry and marks it in flight. When
// the channel has no entries it ends the running drain instead.
func (q *Queue) nextOrFinish(channelID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ChannelID == channelID {
			q.inflight[channelID] = e.ID
			return e, true
		}
	}
	delete(q.draining, channelID)
	return Entry{}, false
}

func (q *Queue) recordRetry(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID != id {
			continue
		}
		q.entries[i].Retries++
		if err := q.storage.Put(q.entries[i]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Queue.recordRetry",
				"entry_id": id,
				"error":    err.Error(),
			}).Warn("Failed to persist retry count")
		}
		return
	}
}

func (q *Queue) removeLocked(id string) (bool, error) {
	for i, e := range q.entries {
		if e.ID != id {
			continue
		}
		if err := q.storage.Delete(e.ChannelID, e.Seq); err != nil {
			return false, err
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (q *Queue) lenLocked(channelID string) int {
	if channelID == "" {
		return len(q.entries)
	}
	n := 0
	for _, e := range q.entries {
		if e.ChannelID == channelID {
			n++
		}
	}
	return n
}
