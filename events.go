package tradechat

import (
	"context"
	"errors"

	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/proposal"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/opd-ai/tradechat/ratelimit"
	"github.com/opd-ai/tradechat/session"
	"github.com/opd-ai/tradechat/typing"
	"github.com/sirupsen/logrus"
)

func (c *Channel) handleStatus(s session.Status) {
	c.metrics.Status(int(s))
	if s != session.StatusJoined {
		// Remote typing state is meaningless without a live connection.
		c.typers.Reset()
	}

	c.cbMu.RLock()
	cb := c.statusCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(s)
	}
}

// handleJoined runs on every successful join: adopt the server's view of
// the transaction and quota, reload the latest page and flush the queue.
func (c *Channel) handleJoined(ack protocol.JoinAck) {
	userID := c.session.UserID()

	c.mu.Lock()
	c.userID = userID
	c.unread = ack.UnreadCount
	c.machine.SetUser(userID)
	if ack.Transaction != nil {
		c.machine.SetTransaction(*ack.Transaction)
	}
	c.mu.Unlock()

	if ack.Quota != nil {
		c.tracker.SetQuota(ack.Quota.Remaining, ack.Quota.Limit)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.handleJoined",
		"channel_id": c.channelID,
		"user_id":    userID,
		"unread":     ack.UnreadCount,
	}).Info("Joined negotiation channel")

	if ack.Transaction != nil {
		c.notifyTransaction(*ack.Transaction)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.loadLatest(ctx); err != nil {
		c.reportError(err)
	}
	c.flushBackground()
}

// loadLatest merges the most recent page. A page that does not connect to
// the loaded history replaces it.
func (c *Channel) loadLatest(ctx context.Context) error {
	raw, err := c.session.Emit(ctx, protocol.EventGetMessages, protocol.GetMessagesRequest{
		TransactionID: c.channelID,
		Limit:         c.pageSize,
		Direction:     protocol.DirectionOlder,
	})
	if err != nil {
		return err
	}
	var ack protocol.GetMessagesAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return err
	}
	added, gap := c.store.MergeLatest(ack.Messages, c.pageSize)
	if gap {
		logrus.WithFields(logrus.Fields{
			"function":   "Channel.loadLatest",
			"channel_id": c.channelID,
		}).Info("History reset after reconnect gap")
	}
	if added > 0 || gap {
		c.notifyHistory(added)
	}
	c.reconcileProposals(ack.Messages)
	return nil
}

// reconcileProposals adopts decisions on known proposals that were made
// while no update could be pushed to this client.
func (c *Channel) reconcileProposals(page []messaging.Message) {
	for _, server := range c.store.StaleProposals(page) {
		c.mu.Lock()
		msg, ok := c.store.Get(server.ID)
		if !ok {
			c.mu.Unlock()
			continue
		}
		res, err := c.machine.Reconcile(msg, server.Proposal.Status)
		if err != nil || !res.Changed {
			c.mu.Unlock()
			if err != nil {
				c.reportError(err)
			}
			continue
		}
		c.store.UpdateProposal(server.ID, res.Proposal)
		updated, _ := c.store.Get(server.ID)
		c.mu.Unlock()

		c.notifyProposal(updated)
	}
}

func (c *Channel) handleEvent(ev interfaces.Event) {
	var err error
	switch ev.Name {
	case protocol.EventNewMessage:
		err = c.onNewMessage(ev)
	case protocol.EventMessagesRead:
		err = c.onMessagesRead(ev)
	case protocol.EventUserTyping:
		err = c.onUserTyping(ev)
	case protocol.EventProposalUpdated:
		err = c.onProposalUpdated(ev)
	case protocol.EventError:
		err = c.onServerError(ev)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Channel.handleEvent",
			"event":    ev.Name,
		}).Debug("Ignoring unknown event")
	}
	if err != nil {
		c.reportError(err)
	}
}

func (c *Channel) onNewMessage(ev interfaces.Event) error {
	var payload protocol.NewMessageEvent
	if err := protocol.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	msg := payload.Message
	if msg.ChannelID != "" && msg.ChannelID != c.channelID {
		return nil
	}
	if !c.store.Append(msg) {
		return nil
	}

	me := c.UserID()
	if msg.SenderID != me {
		c.mu.Lock()
		c.unread++
		c.mu.Unlock()
		c.typers.ClearTyping(msg.SenderID)
		c.metrics.MessageReceived()
	}
	c.notifyMessage(msg)
	return nil
}

func (c *Channel) onMessagesRead(ev interfaces.Event) error {
	var payload protocol.MessagesReadEvent
	if err := protocol.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	if payload.ReaderID == c.UserID() {
		return nil
	}
	c.store.MarkRead(payload.ReaderID, payload.MessageIDs)

	c.cbMu.RLock()
	cb := c.readCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(payload.ReaderID, payload.MessageIDs)
	}
	return nil
}

func (c *Channel) onUserTyping(ev interfaces.Event) error {
	var payload protocol.UserTypingEvent
	if err := protocol.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	if payload.UserID == c.UserID() {
		return nil
	}
	if payload.IsTyping {
		name := payload.Name
		if name == "" {
			name = payload.UserID
		}
		c.typers.SetTyping(payload.UserID, name)
	} else {
		c.typers.ClearTyping(payload.UserID)
	}
	return nil
}

func (c *Channel) onProposalUpdated(ev interfaces.Event) error {
	var payload protocol.ProposalUpdatedEvent
	if err := protocol.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}

	c.mu.Lock()
	msg, ok := c.store.Get(payload.MessageID)
	if !ok {
		// The proposal is outside the loaded history; only the
		// transaction can be adopted.
		if payload.Transaction != nil && payload.Status == messaging.ProposalAccepted {
			c.machine.SetTransaction(*payload.Transaction)
			c.mu.Unlock()
			c.notifyTransaction(*payload.Transaction)
			return nil
		}
		c.mu.Unlock()
		return nil
	}

	res, err := c.machine.Apply(msg, proposal.Update{
		MessageID:   payload.MessageID,
		Status:      payload.Status,
		Transaction: payload.Transaction,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !res.Changed {
		c.mu.Unlock()
		return nil
	}
	c.store.UpdateProposal(payload.MessageID, res.Proposal)
	updated, _ := c.store.Get(payload.MessageID)
	c.mu.Unlock()

	c.notifyProposal(updated)
	if res.Transaction != nil {
		c.notifyTransaction(*res.Transaction)
	}
	return nil
}

func (c *Channel) onServerError(ev interfaces.Event) error {
	var pe protocol.Error
	if err := protocol.Unmarshal(ev.Payload, &pe); err != nil {
		return err
	}
	if pe.Code == protocol.CodeRateLimited {
		// Surfaced through OnRateLimit; a block is not a failure.
		c.metrics.RateLimited()
		c.tracker.Block(pe.RetryAfterDuration())
		logrus.WithFields(logrus.Fields{
			"function":    "Channel.onServerError",
			"retry_after": pe.RetryAfter,
		}).Debug("Server rate limit received")
		return nil
	}
	return &pe
}

func (c *Channel) handleRateLimit(st ratelimit.State) {
	c.mu.Lock()
	resumed := c.wasBlocked && !st.Blocked
	c.wasBlocked = st.Blocked
	c.mu.Unlock()

	c.cbMu.RLock()
	cb := c.rateLimitCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(st)
	}
	if resumed {
		go c.flushBackground()
	}
}

func (c *Channel) handleTypers(typers []typing.Typer) {
	c.cbMu.RLock()
	cb := c.typingCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(typers)
	}
}

func (c *Channel) handleNetwork(online bool) {
	logrus.WithFields(logrus.Fields{
		"function": "Channel.handleNetwork",
		"online":   online,
	}).Info("Network status changed")

	if !online || c.isKilled() {
		return
	}
	c.session.Nudge()
	go c.flushBackground()
}

// reportError forwards err to OnError and counts it by class.
func (c *Channel) reportError(err error) {
	c.metrics.Error(errorClass(err))

	c.cbMu.RLock()
	cb := c.errorCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Channel.reportError",
		"channel_id": c.channelID,
		"error":      err.Error(),
	}).Warn("Unhandled channel error")
}

func errorClass(err error) string {
	var (
		transportErr *session.TransportError
		authErr      *session.AuthError
		joinErr      *session.JoinError
	)
	switch {
	case errors.Is(err, session.ErrReconnectExhausted):
		return "exhausted"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &joinErr):
		return "join"
	}
	if _, ok := blockedError(err); ok {
		return "rate_limited"
	}
	if pe, ok := protocol.AsError(err); ok {
		return string(pe.Code)
	}
	return "other"
}

func (c *Channel) notifyMessage(msg messaging.Message) {
	c.cbMu.RLock()
	cb := c.messageCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (c *Channel) notifyProposal(msg messaging.Message) {
	c.cbMu.RLock()
	cb := c.proposalCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (c *Channel) notifyHistory(added int) {
	c.cbMu.RLock()
	cb := c.historyCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(added)
	}
}

func (c *Channel) notifyTransaction(tx messaging.Transaction) {
	c.cbMu.RLock()
	cb := c.transactionCallback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(tx)
	}
}
