package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMissingClientID indicates a pending message without a client id.
	ErrMissingClientID = errors.New("pending message requires a client id")

	// ErrDuplicateClientID indicates a client id is already pending or confirmed.
	ErrDuplicateClientID = errors.New("client id already in store")
)

// FetchFunc retrieves up to limit messages strictly older than the message
// identified by before. An empty before requests the most recent page.
type FetchFunc func(ctx context.Context, before string, limit int) ([]Message, error)

// Store is the ordered, deduplicated view of a channel's messages.
//
// Confirmed messages are kept sorted by (CreatedAt, ID). Pending messages
// follow them in the order they were queued, regardless of timestamps,
// until Confirm or DropPending retires them.
type Store struct {
	channelID string

	mu        sync.RWMutex
	confirmed []Message
	ids       map[string]struct{}
	clientIDs map[string]string
	pending   []Message
	hasMore   bool
	loading   bool
}

// NewStore creates an empty store for a channel. HasMore starts true so the
// first LoadOlder fetches the most recent page.
func NewStore(channelID string) *Store {
	return &Store{
		channelID: channelID,
		ids:       make(map[string]struct{}),
		clientIDs: make(map[string]string),
		hasMore:   true,
	}
}

// ChannelID returns the channel this store belongs to.
func (s *Store) ChannelID() string {
	return s.channelID
}

// Append inserts a confirmed message at its ordered position. A message whose
// id is already present is ignored. If the message carries the client id of
// a pending entry, that entry is retired. It reports whether the visible
// sequence changed.
func (s *Store) Append(msg Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	retired := s.retirePendingLocked(msg.ClientID)
	inserted := s.insertLocked(msg)
	return retired || inserted
}

// AddPending places a locally queued message at the tail. Its ID becomes
// TempID(ClientID) and Pending is set.
func (s *Store) AddPending(msg Message) (Message, error) {
	if msg.ClientID == "" {
		return Message{}, ErrMissingClientID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clientIDs[msg.ClientID]; ok {
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateClientID, msg.ClientID)
	}
	if s.pendingIndexLocked(msg.ClientID) >= 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateClientID, msg.ClientID)
	}

	msg = msg.Clone()
	msg.ID = TempID(msg.ClientID)
	msg.ChannelID = s.channelID
	msg.Pending = true
	s.pending = append(s.pending, msg)

	logrus.WithFields(logrus.Fields{
		"function":   "Store.AddPending",
		"channel_id": s.channelID,
		"client_id":  msg.ClientID,
		"pending":    len(s.pending),
	}).Debug("Added provisional message")

	return msg.Clone(), nil
}

// Confirm replaces the pending entry for clientID with the canonical message
// returned by the server. If the canonical message already arrived via a
// push, only the pending entry is removed. It reports whether anything changed.
func (s *Store) Confirm(clientID string, canonical Message) bool {
	if canonical.ClientID == "" {
		canonical.ClientID = clientID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	retired := s.retirePendingLocked(clientID)
	inserted := false
	if canonical.ID != "" {
		inserted = s.insertLocked(canonical)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Confirm",
		"channel_id": s.channelID,
		"client_id":  clientID,
		"message_id": canonical.ID,
		"retired":    retired,
		"inserted":   inserted,
	}).Debug("Confirmed provisional message")

	return retired || inserted
}

// DropPending removes the pending entry for clientID without a replacement.
func (s *Store) DropPending(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retirePendingLocked(clientID)
}

// PendingCount returns the number of provisional messages.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Len returns the number of confirmed messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.confirmed)
}

// Get looks up a message by id, including temporary ids of pending entries.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.confirmed[i].Clone(), true
	}
	for _, m := range s.pending {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return Message{}, false
}

// Messages returns a snapshot: confirmed messages in order, then pending.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		out = append(out, m.Clone())
	}
	for _, m := range s.pending {
		out = append(out, m.Clone())
	}
	return out
}

// Cursor returns the id of the oldest confirmed message, or "" if none.
func (s *Store) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursorLocked()
}

// HasMore reports whether older history may exist on the server.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// Loading reports whether a LoadOlder call is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// MergeOlder merges a page fetched strictly before the current cursor.
// HasMore is set to len(page) >= limit. It returns the number of messages
// that were new to the store.
func (s *Store) MergeOlder(page []Message, limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		s.retirePendingLocked(m.ClientID)
		if s.insertLocked(m) {
			added++
		} else {
			s.refreshLocked(m)
		}
	}
	s.hasMore = len(page) >= limit
	return added
}

// MergeLatest merges the most recent page, as fetched after a reconnect.
//
// If the oldest message of the page is not already known while the store
// holds history, messages may be missing between the two; the confirmed
// history is then replaced by the page and HasMore set so that LoadOlder
// walks backwards into the gap. Pending messages are kept. It returns the
// number of new messages and whether local history was discarded.
func (s *Store) MergeLatest(page []Message, limit int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gap := false
	if len(page) > 0 && len(s.confirmed) > 0 {
		oldest := page[0]
		for _, m := range page[1:] {
			if m.Before(oldest) {
				oldest = m
			}
		}
		_, known := s.ids[oldest.ID]
		gap = !known
	}

	if gap {
		logrus.WithFields(logrus.Fields{
			"function":   "Store.MergeLatest",
			"channel_id": s.channelID,
			"discarded":  len(s.confirmed),
			"page_size":  len(page),
		}).Info("History gap detected, resetting to latest page")
		s.confirmed = nil
		s.ids = make(map[string]struct{})
		s.clientIDs = make(map[string]string)
		s.hasMore = true
	}

	added := 0
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		s.retirePendingLocked(m.ClientID)
		if s.insertLocked(m) {
			added++
		} else {
			s.refreshLocked(m)
		}
	}
	if len(s.confirmed) == len(page) && len(page) < limit {
		// The page covered the whole channel.
		s.hasMore = false
	}
	return added, gap
}

// LoadOlder fetches the page before the current cursor and merges it. A call
// made while another is in flight, or after history is exhausted, returns
// (0, nil) without fetching.
func (s *Store) LoadOlder(ctx context.Context, limit int, fetch FetchFunc) (int, error) {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	cursor := s.cursorLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	page, err := fetch(ctx, cursor, limit)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Store.LoadOlder",
			"channel_id": s.channelID,
			"cursor":     cursor,
			"error":      err.Error(),
		}).Warn("Failed to fetch older messages")
		return 0, err
	}

	added := s.MergeOlder(page, limit)

	logrus.WithFields(logrus.Fields{
		"function":   "Store.LoadOlder",
		"channel_id": s.channelID,
		"cursor":     cursor,
		"fetched":    len(page),
		"added":      added,
	}).Debug("Loaded older messages")

	return added, nil
}

// StaleProposals returns the page's proposals that are already stored with
// a different status. The returned messages are the server's copies; the
// stored ones are left for the caller to reconcile.
func (s *Store) StaleProposals(page []Message) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range page {
		if m.Kind != KindProposal || m.Proposal == nil {
			continue
		}
		i := s.indexLocked(m.ID)
		if i < 0 || s.confirmed[i].Proposal == nil {
			continue
		}
		if s.confirmed[i].Proposal.Status != m.Proposal.Status {
			out = append(out, m.Clone())
		}
	}
	return out
}

// UpdateProposal replaces the proposal payload of a confirmed message.
func (s *Store) UpdateProposal(messageID string, p Proposal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(messageID)
	if i < 0 || s.confirmed[i].Kind != KindProposal {
		return false
	}
	s.confirmed[i].Proposal = &p
	return true
}

// MarkRead flags messages not sent by readerID as read. An empty ids list
// marks every such message. It returns the number of messages that changed.
func (s *Store) MarkRead(readerID string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var only map[string]struct{}
	if len(ids) > 0 {
		only = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			only[id] = struct{}{}
		}
	}

	changed := 0
	for i := range s.confirmed {
		m := &s.confirmed[i]
		if m.Read || m.SenderID == readerID {
			continue
		}
		if only != nil {
			if _, ok := only[m.ID]; !ok {
				continue
			}
		}
		m.Read = true
		changed++
	}
	return changed
}

// Unread returns the ids of confirmed messages not sent by userID and not yet read.
func (s *Store) Unread(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, m := range s.confirmed {
		if !m.Read && m.SenderID != userID {
			out = append(out, m.ID)
		}
	}
	return out
}

func (s *Store) cursorLocked() string {
	if len(s.confirmed) == 0 {
		return ""
	}
	return s.confirmed[0].ID
}

func (s *Store) insertLocked(msg Message) bool {
	if _, ok := s.ids[msg.ID]; ok {
		return false
	}
	msg = msg.Clone()
	msg.Pending = false
	if msg.ChannelID == "" {
		msg.ChannelID = s.channelID
	}

	i := sort.Search(len(s.confirmed), func(i int) bool {
		return msg.Before(s.confirmed[i])
	})
	s.confirmed = append(s.confirmed, Message{})
	copy(s.confirmed[i+1:], s.confirmed[i:])
	s.confirmed[i] = msg

	s.ids[msg.ID] = struct{}{}
	if msg.ClientID != "" {
		s.clientIDs[msg.ClientID] = msg.ID
	}
	return true
}

// refreshLocked adopts server-owned fields of an already stored message.
// The read flag only moves from unread to read.
func (s *Store) refreshLocked(msg Message) {
	if !msg.Read {
		return
	}
	if i := s.indexLocked(msg.ID); i >= 0 {
		s.confirmed[i].Read = true
	}
}

func (s *Store) indexLocked(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.confirmed {
		if s.confirmed[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) pendingIndexLocked(clientID string) int {
	for i, m := range s.pending {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *Store) retirePendingLocked(clientID string) bool {
	if clientID == "" {
		return false
	}
	i := s.pendingIndexLocked(clientID)
	if i < 0 {
		return false
	}
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	return true
}
