package tradechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/metrics"
	"github.com/opd-ai/tradechat/netstatus"
	"github.com/opd-ai/tradechat/proposal"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/opd-ai/tradechat/queue"
	"github.com/opd-ai/tradechat/ratelimit"
	"github.com/opd-ai/tradechat/session"
	"github.com/opd-ai/tradechat/typing"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// ErrKilled is returned by every operation after Kill.
var ErrKilled = errors.New("channel killed")

// DefaultRequestTimeout bounds requests the channel issues on its own, such
// as the history fetch after a join and background queue flushes.
const DefaultRequestTimeout = 15 * time.Second

// Options contains configuration options for creating a Channel.
type Options struct {
	// ChannelID is the transaction whose negotiation channel is joined.
	ChannelID string
	// UserID is the local party, if known before authentication. The
	// identity confirmed by the server replaces it.
	UserID string

	Dialer  interfaces.Dialer
	Tokens  oauth2.TokenSource
	Storage queue.Storage
	Monitor netstatus.Monitor
	Metrics *metrics.Collector
	Clock   clock.Clock

	Backoff         session.Backoff
	RequestTimeout  time.Duration
	PageSize        int
	SendQuota       int
	TypingTimeout   time.Duration
	RemoteTypingTTL time.Duration
	QueueMaxAge     time.Duration
	// PurgeSchedule is a cron expression; empty disables the purge job.
	PurgeSchedule string
}

// NewOptions creates Options with default tunables. ChannelID, Dialer and
// Tokens must still be set.
func NewOptions() *Options {
	return &Options{
		Backoff:         session.DefaultBackoff(),
		RequestTimeout:  DefaultRequestTimeout,
		PageSize:        limits.DefaultPageSize,
		SendQuota:       limits.DefaultSendQuota,
		TypingTimeout:   typing.DefaultIdleTimeout,
		RemoteTypingTTL: typing.DefaultRemoteTTL,
		QueueMaxAge:     limits.DefaultQueueMaxAge,
		PurgeSchedule:   queue.DefaultPurgeSchedule,
	}
}

// State is a consistent snapshot of the channel's observable state.
type State struct {
	Status      session.Status
	Exhausted   bool
	Messages    []messaging.Message
	HasMore     bool
	Loading     bool
	Pending     int
	Unread      int
	Typing      []typing.Typer
	RateLimit   ratelimit.State
	Transaction *messaging.Transaction
}

// Channel is the negotiation channel façade. It composes the session,
// message store, offline queue, rate-limit tracker, typing presence and
// proposal state machine of one transaction.
type Channel struct {
	channelID string
	pageSize  int
	timeout   time.Duration
	clock     clock.Clock
	metrics   *metrics.Collector

	session     *session.Manager
	store       *messaging.Store
	queue       *queue.Queue
	janitor     *queue.Janitor
	tracker     *ratelimit.Tracker
	typers      *typing.Aggregator
	broadcaster *typing.Broadcaster
	machine     *proposal.Machine
	monitor     netstatus.Monitor
	unsubscribe func()

	// mu makes proposal status and transaction terms change together.
	mu         sync.RWMutex
	userID     string
	unread     int
	wasBlocked bool
	killed     bool

	cbMu                sync.RWMutex
	messageCallback     func(messaging.Message)
	historyCallback     func(added int)
	readCallback        func(readerID string, ids []string)
	statusCallback      func(session.Status)
	errorCallback       func(error)
	proposalCallback    func(messaging.Message)
	transactionCallback func(messaging.Transaction)
	typingCallback      func([]typing.Typer)
	rateLimitCallback   func(ratelimit.State)
}

// New creates a channel. Entries left in storage by a previous run are
// loaded and shown as pending messages; nothing is sent until Open.
func New(options *Options) (*Channel, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if opts.ChannelID == "" {
		return nil, errors.New("channel id is required")
	}
	if opts.PageSize == 0 {
		opts.PageSize = limits.DefaultPageSize
	}
	if _, err := limits.ClampPageLimit(opts.PageSize); err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	clk := clock.OrDefault(opts.Clock)

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"channel_id": opts.ChannelID,
		"page_size":  opts.PageSize,
	}).Info("Creating negotiation channel")

	mgr, err := session.New(session.Options{
		ChannelID: opts.ChannelID,
		Dialer:    opts.Dialer,
		Tokens:    opts.Tokens,
		Backoff:   opts.Backoff,
		Clock:     clk,
	})
	if err != nil {
		return nil, err
	}

	storage := opts.Storage
	if storage == nil {
		storage = queue.NewMemoryStorage()
	}
	q, err := queue.New(storage, clk)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}

	monitor := opts.Monitor
	if monitor == nil {
		monitor = netstatus.NewManual(true)
	}

	c := &Channel{
		channelID: opts.ChannelID,
		pageSize:  opts.PageSize,
		timeout:   opts.RequestTimeout,
		clock:     clk,
		metrics:   opts.Metrics,
		session:   mgr,
		store:     messaging.NewStore(opts.ChannelID),
		queue:     q,
		tracker:   ratelimit.NewTracker(opts.SendQuota, clk),
		typers:    typing.NewAggregator(opts.RemoteTypingTTL, clk),
		machine:   proposal.NewMachine(opts.UserID),
		monitor:   monitor,
		userID:    opts.UserID,
	}
	c.broadcaster = typing.NewBroadcaster(opts.TypingTimeout, clk, c.emitTyping)

	for _, e := range q.Entries(opts.ChannelID) {
		if _, err := c.store.AddPending(e.Message(opts.UserID)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"entry_id": e.ID,
				"error":    err.Error(),
			}).Warn("Skipping queued entry")
		}
	}
	c.metrics.QueueDepth(q.Len(opts.ChannelID))

	if opts.PurgeSchedule != "" {
		maxAge := opts.QueueMaxAge
		if maxAge <= 0 {
			maxAge = limits.DefaultQueueMaxAge
		}
		j, err := queue.NewJanitor(q, opts.PurgeSchedule, maxAge, clk, c.handlePurged)
		if err != nil {
			q.Close()
			return nil, err
		}
		if err := j.Start(); err != nil {
			q.Close()
			return nil, err
		}
		c.janitor = j
	}

	mgr.OnStatus(c.handleStatus)
	mgr.OnJoined(c.handleJoined)
	mgr.OnEvent(c.handleEvent)
	mgr.OnError(c.reportError)
	mgr.OnAttempt(func(int, time.Duration) { c.metrics.ReconnectAttempt() })
	c.tracker.OnChange(c.handleRateLimit)
	c.typers.OnChange(c.handleTypers)
	c.unsubscribe = monitor.Subscribe(c.handleNetwork)

	return c, nil
}

// OnMessage sets the callback for messages added or changed locally or by
// the server, including pending echoes and their confirmation.
func (c *Channel) OnMessage(callback func(messaging.Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.messageCallback = callback
}

// OnHistory sets the callback run after a history page was merged.
func (c *Channel) OnHistory(callback func(added int)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.historyCallback = callback
}

// OnMessagesRead sets the callback for read receipts from the counterparty.
func (c *Channel) OnMessagesRead(callback func(readerID string, ids []string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.readCallback = callback
}

// OnStatus sets the callback for connection status changes.
func (c *Channel) OnStatus(callback func(session.Status)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.statusCallback = callback
}

// OnError sets the callback for failures that have no caller to return to.
func (c *Channel) OnError(callback func(error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.errorCallback = callback
}

// OnProposalUpdate sets the callback for proposal status changes.
func (c *Channel) OnProposalUpdate(callback func(messaging.Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.proposalCallback = callback
}

// OnTransactionUpdate sets the callback for transaction changes caused by
// an accepted proposal.
func (c *Channel) OnTransactionUpdate(callback func(messaging.Transaction)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.transactionCallback = callback
}

// OnTyping sets the callback for changes of the remote typers set.
func (c *Channel) OnTyping(callback func([]typing.Typer)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.typingCallback = callback
}

// OnRateLimit sets the callback for quota and block changes.
func (c *Channel) OnRateLimit(callback func(ratelimit.State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.rateLimitCallback = callback
}

// Open connects, authenticates and joins the channel, then loads the
// latest history and flushes queued messages. It returns the outcome of
// the first attempt; transport and authentication failures keep retrying
// in the background.
func (c *Channel) Open(ctx context.Context) error {
	if c.isKilled() {
		return ErrKilled
	}
	return c.session.Open(ctx)
}

// Close stops typing, leaves the channel and tears down the transport.
// Queued messages are kept for the next Open.
func (c *Channel) Close() error {
	c.broadcaster.Stop()
	err := c.session.Close()
	c.broadcaster.Reset()
	c.typers.Reset()
	return err
}

// Kill closes the channel and releases all resources, including the queue
// storage. The channel cannot be reopened.
func (c *Channel) Kill() error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return nil
	}
	c.killed = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.Kill",
		"channel_id": c.channelID,
	}).Info("Killing negotiation channel")

	err := c.Close()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.janitor != nil {
		c.janitor.Stop()
	}
	c.tracker.Stop()
	if qerr := c.queue.Close(); err == nil {
		err = qerr
	}
	return err
}

// ChannelID returns the transaction id of the channel.
func (c *Channel) ChannelID() string {
	return c.channelID
}

// UserID returns the local party's id.
func (c *Channel) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Status returns the connection status.
func (c *Channel) Status() session.Status {
	return c.session.Status()
}

// Messages returns confirmed messages in order followed by pending ones.
func (c *Channel) Messages() []messaging.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Messages()
}

// Transaction returns the negotiated transaction once joined.
func (c *Channel) Transaction() (messaging.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine.Transaction()
}

// Negotiable reports whether proposals may be made or answered.
func (c *Channel) Negotiable() bool {
	return c.machine.Negotiable()
}

// PendingCount returns the number of queued, unacknowledged messages.
func (c *Channel) PendingCount() int {
	return c.queue.Len(c.channelID)
}

// RateLimit returns the rate-limit state.
func (c *Channel) RateLimit() ratelimit.State {
	return c.tracker.State()
}

// State returns a snapshot of everything observable about the channel.
func (c *Channel) State() State {
	c.mu.RLock()
	st := State{
		Messages: c.store.Messages(),
		HasMore:  c.store.HasMore(),
		Loading:  c.store.Loading(),
		Unread:   c.unread,
	}
	if tx, ok := c.machine.Transaction(); ok {
		st.Transaction = &tx
	}
	c.mu.RUnlock()

	st.Status = c.session.Status()
	st.Exhausted = c.session.Exhausted()
	st.Pending = c.queue.Len(c.channelID)
	st.Typing = c.typers.Typers()
	st.RateLimit = c.tracker.State()
	return st
}

// LoadMore fetches the page of history before the oldest loaded message.
// It is a no-op while a page is loading or once the start of the channel
// was reached.
func (c *Channel) LoadMore(ctx context.Context) (int, error) {
	if c.isKilled() {
		return 0, ErrKilled
	}
	n, err := c.store.LoadOlder(ctx, c.pageSize, c.fetchOlder)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.notifyHistory(n)
	}
	return n, nil
}

func (c *Channel) fetchOlder(ctx context.Context, before string, limit int) ([]messaging.Message, error) {
	raw, err := c.session.Emit(ctx, protocol.EventGetMessages, protocol.GetMessagesRequest{
		TransactionID: c.channelID,
		Before:        before,
		Limit:         limit,
		Direction:     protocol.DirectionOlder,
	})
	if err != nil {
		return nil, err
	}
	var ack protocol.GetMessagesAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return nil, err
	}
	c.reconcileProposals(ack.Messages)
	return ack.Messages, nil
}

// AcceptProposal asks the server to accept the counterparty's proposal.
// The local state changes only when the server's update arrives.
func (c *Channel) AcceptProposal(ctx context.Context, messageID string) error {
	return c.respond(ctx, messageID, protocol.EventAcceptProposal)
}

// RejectProposal asks the server to reject the counterparty's proposal.
func (c *Channel) RejectProposal(ctx context.Context, messageID string) error {
	return c.respond(ctx, messageID, protocol.EventRejectProposal)
}

func (c *Channel) respond(ctx context.Context, messageID, event string) error {
	if c.isKilled() {
		return ErrKilled
	}
	msg, ok := c.store.Get(messageID)
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, proposal.ErrNotProposal)
	}
	if err := c.machine.CheckRespond(msg); err != nil {
		return err
	}
	_, err := c.session.Emit(ctx, event, protocol.RespondProposalRequest{
		TransactionID: c.channelID,
		MessageID:     messageID,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Channel.respond",
			"event":      event,
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Proposal response failed")
	}
	return err
}

// MarkAsRead marks the counterparty's messages as read; no ids marks all
// of them. The local unread counter resets immediately.
func (c *Channel) MarkAsRead(ctx context.Context, ids ...string) (int, error) {
	if c.isKilled() {
		return 0, ErrKilled
	}
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()

	raw, err := c.session.Emit(ctx, protocol.EventMarkRead, protocol.MarkReadRequest{
		TransactionID: c.channelID,
		MessageIDs:    ids,
	})
	if err != nil {
		return 0, err
	}
	var ack protocol.MarkReadAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return 0, err
	}
	c.store.MarkRead(c.UserID(), ids)
	return ack.Count, nil
}

// Keystroke reports local typing activity. The typing signal is sent once
// per burst and "stopped typing" follows after the inactivity timeout.
func (c *Channel) Keystroke() {
	c.broadcaster.Keystroke()
}

// SetTyping starts or explicitly stops the local typing signal.
func (c *Channel) SetTyping(isTyping bool) {
	if isTyping {
		c.broadcaster.Keystroke()
		return
	}
	c.broadcaster.Stop()
}

func (c *Channel) emitTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.session.Emit(ctx, protocol.EventTyping, protocol.TypingRequest{
		TransactionID: c.channelID,
		IsTyping:      isTyping,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Channel.emitTyping",
			"is_typing": isTyping,
			"error":     err.Error(),
		}).Debug("Typing signal not sent")
	}
}

func (c *Channel) isKilled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.killed
}
