package testing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RequestRecord represents a handled request for test verification.
type RequestRecord struct {
	UserID    string
	Event     string
	ClientID  string
	Timestamp time.Time
	Err       error
}

type quotaWindow struct {
	limiter *rate.Limiter
	start   time.Time
	used    int
}

type channelState struct {
	tx       messaging.Transaction
	messages []messaging.Message
	byClient map[string]string
	members  map[*hubConn]bool
}

// Hub is an in-memory negotiation server.
type Hub struct {
	clock clock.Clock

	mu          sync.Mutex
	tokens      map[string]string
	names       map[string]string
	channels    map[string]*channelState
	conns       map[*hubConn]bool
	quotas      map[string]*quotaWindow
	quota       int
	window      time.Duration
	online      bool
	failNext    map[string]*protocol.Error
	dropNextAck map[string]bool
	requests    []RequestRecord
}

// NewHub creates an online hub with the default quota of
// limits.DefaultSendQuota sends per limits.DefaultRateLimitWindow.
func NewHub(clk clock.Clock) *Hub {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewHub",
		"quota":    limits.DefaultSendQuota,
		"window":   limits.DefaultRateLimitWindow,
	}).Info("Creating simulated chat hub for testing")

	return &Hub{
		clock:       clock.OrDefault(clk),
		tokens:      make(map[string]string),
		names:       make(map[string]string),
		channels:    make(map[string]*channelState),
		conns:       make(map[*hubConn]bool),
		quotas:      make(map[string]*quotaWindow),
		quota:       limits.DefaultSendQuota,
		window:      limits.DefaultRateLimitWindow,
		online:      true,
		failNext:    make(map[string]*protocol.Error),
		dropNextAck: make(map[string]bool),
	}
}

// Clock returns the hub's clock.
func (h *Hub) Clock() clock.Clock {
	return h.clock
}

// AddUser registers a bearer token for userID.
func (h *Hub) AddUser(token, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens[token] = userID
}

// SetDisplayName sets the name relayed with userID's typing signals.
func (h *Hub) SetDisplayName(userID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[userID] = name
}

// RevokeToken invalidates a token. Existing sessions are unaffected.
func (h *Hub) RevokeToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tokens, token)
}

// SetQuota changes the per-party send quota. Existing windows are reset.
func (h *Hub) SetQuota(limit int, window time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit > 0 {
		h.quota = limit
	}
	if window > 0 {
		h.window = window
	}
	h.quotas = make(map[string]*quotaWindow)
}

// CreateTransaction adds or replaces a transaction and its channel.
func (h *Hub) CreateTransaction(tx messaging.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = h.clock.Now()
	}
	if ch, ok := h.channels[tx.ID]; ok {
		ch.tx = tx
		return
	}
	h.channels[tx.ID] = &channelState{
		tx:       tx,
		byClient: make(map[string]string),
		members:  make(map[*hubConn]bool),
	}
}

// Transaction returns the server's copy of a transaction.
func (h *Hub) Transaction(id string) (messaging.Transaction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		return messaging.Transaction{}, false
	}
	return ch.tx, true
}

// SetTransactionStatus changes a transaction's lifecycle status.
func (h *Hub) SetTransactionStatus(id string, status messaging.TransactionStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		return fmt.Errorf("transaction %s not found in simulation", id)
	}
	ch.tx.Status = status
	ch.tx.UpdatedAt = h.clock.Now()
	return nil
}

// Messages returns the persisted messages of a channel in order.
func (h *Hub) Messages(txID string) []messaging.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[txID]
	if !ok {
		return nil
	}
	out := make([]messaging.Message, len(ch.messages))
	for i, m := range ch.messages {
		out[i] = m.Clone()
	}
	return out
}

// PostMessage persists a text message from senderID without a session, as
// if sent from another device, and broadcasts it.
func (h *Hub) PostMessage(txID, senderID, text string) (messaging.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[txID]
	if !ok {
		return messaging.Message{}, fmt.Errorf("transaction %s not found in simulation", txID)
	}
	msg := h.persistLocked(ch, messaging.Message{
		SenderID: senderID,
		Kind:     messaging.KindText,
		Text:     text,
	})
	h.broadcastLocked(ch, nil, protocol.EventNewMessage, protocol.NewMessageEvent{Message: msg})
	return msg.Clone(), nil
}

// PushError sends an error push to every member of a channel.
func (h *Hub) PushError(txID string, perr *protocol.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[txID]; ok {
		h.broadcastLocked(ch, nil, protocol.EventError, perr)
	}
}

// SetOnline toggles simulated connectivity. Going offline drops every
// connection; while offline, dials fail.
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = online
	if !online {
		h.dropAllLocked(fmt.Errorf("network unreachable"))
	}
}

// Online reports the simulated connectivity.
func (h *Hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// DropConnections closes every live connection with a transport error.
func (h *Hub) DropConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropAllLocked(fmt.Errorf("connection reset by peer"))
}

// FailNext makes the next request for event fail with perr.
func (h *Hub) FailNext(event string, perr *protocol.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext[event] = perr
}

// DropNextAck processes the next request for event but drops the
// connection instead of acknowledging it.
func (h *Hub) DropNextAck(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropNextAck[event] = true
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Requests returns the request log.
func (h *Hub) Requests() []RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RequestRecord, len(h.requests))
	copy(out, h.requests)
	return out
}

// CountRequests returns how many requests for event were handled.
func (h *Hub) CountRequests(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.requests {
		if r.Event == event {
			n++
		}
	}
	return n
}

// ClearRequests empties the request log.
func (h *Hub) ClearRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = nil
}

// persistLocked assigns identity and a strictly increasing timestamp.
func (h *Hub) persistLocked(ch *channelState, msg messaging.Message) messaging.Message {
	msg.ID = uuid.NewString()
	msg.ChannelID = ch.tx.ID
	msg.Pending = false
	msg.CreatedAt = h.clock.Now()
	if n := len(ch.messages); n > 0 {
		last := ch.messages[n-1].CreatedAt
		if !msg.CreatedAt.After(last) {
			msg.CreatedAt = last.Add(time.Millisecond)
		}
	}
	ch.messages = append(ch.messages, msg)
	if msg.ClientID != "" {
		ch.byClient[msg.SenderID+"|"+msg.ClientID] = msg.ID
	}
	return msg
}

func (h *Hub) findLocked(ch *channelState, id string) int {
	for i, m := range ch.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// takeQuotaLocked consumes one send from the party's current window. It
// returns the remaining quota, or the seconds until the window reopens.
func (h *Hub) takeQuotaLocked(key string) (remaining int, retryAfter int, ok bool) {
	now := h.clock.Now()
	w, exists := h.quotas[key]
	if !exists || !now.Before(w.start.Add(h.window)) {
		// Limit 0 disables refill: the burst is the whole window's budget.
		w = &quotaWindow{limiter: rate.NewLimiter(0, h.quota), start: now}
		h.quotas[key] = w
	}
	if !w.limiter.AllowN(now, 1) {
		wait := w.start.Add(h.window).Sub(now)
		secs := int((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return 0, secs, false
	}
	w.used++
	return h.quota - w.used, 0, true
}

func (h *Hub) remainingLocked(key string) int {
	w, ok := h.quotas[key]
	if !ok || !h.clock.Now().Before(w.start.Add(h.window)) {
		return h.quota
	}
	return h.quota - w.used
}

func (h *Hub) broadcastLocked(ch *channelState, except *hubConn, event string, payload interface{}) {
	raw, err := protocol.Marshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.broadcast",
			"event":    event,
			"error":    err.Error(),
		}).Error("Failed to encode push")
		return
	}
	for c := range ch.members {
		if c == except {
			continue
		}
		h.pushLocked(c, event, raw)
	}
}

func (h *Hub) dropAllLocked(cause error) {
	for c := range h.conns {
		h.closeConnLocked(c, cause)
	}
}
