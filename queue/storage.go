package queue

import (
	"sort"
	"sync"
)

// Storage persists queue entries. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Put inserts or replaces the entry with e's channel and sequence.
	Put(e Entry) error
	// Delete removes an entry; deleting a missing entry is not an error.
	Delete(channelID string, seq uint64) error
	// Load returns every stored entry ordered by sequence.
	Load() ([]Entry, error)
	Close() error
}

type storageKey struct {
	channelID string
	seq       uint64
}

// MemoryStorage keeps entries in process memory. Entries do not survive a
// restart.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[storageKey]Entry
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[storageKey]Entry)}
}

// Put stores e.
func (m *MemoryStorage) Put(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[storageKey{e.ChannelID, e.Seq}] = e
	return nil
}

// Delete removes the entry if present.
func (m *MemoryStorage) Delete(channelID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, storageKey{channelID, seq})
	return nil
}

// Load returns all entries ordered by sequence.
func (m *MemoryStorage) Load() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error { return nil }
