package tradechat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/opd-ai/tradechat/queue"
	"github.com/opd-ai/tradechat/ratelimit"
	"github.com/opd-ai/tradechat/session"
	"github.com/sirupsen/logrus"
)

// Send queues a text message and, when joined and online, flushes the queue.
//
// The returned message is the server's canonical copy when the send was
// acknowledged, or the pending echo when it stays queued for a later flush.
// A send refused by the rate limiter returns a *ratelimit.BlockedError and
// is not queued.
func (c *Channel) Send(ctx context.Context, text string) (messaging.Message, error) {
	if err := limits.ValidateText(text); err != nil {
		return messaging.Message{}, err
	}
	return c.submit(ctx, queue.Entry{
		ChannelID: c.channelID,
		Kind:      messaging.KindText,
		Text:      text,
	})
}

// Propose queues a proposal for new terms. The current transaction terms
// are captured as the original values.
func (c *Channel) Propose(ctx context.Context, terms messaging.Terms) (messaging.Message, error) {
	p, err := c.machine.NewProposal(terms)
	if err != nil {
		return messaging.Message{}, err
	}
	return c.submit(ctx, queue.Entry{
		ChannelID: c.channelID,
		Kind:      messaging.KindProposal,
		Proposal:  &p,
	})
}

func (c *Channel) submit(ctx context.Context, e queue.Entry) (messaging.Message, error) {
	if c.isKilled() {
		return messaging.Message{}, ErrKilled
	}
	if err := c.tracker.Allow(); err != nil {
		c.metrics.RateLimited()
		return messaging.Message{}, err
	}

	e, err := c.queue.Enqueue(e)
	if err != nil {
		return messaging.Message{}, err
	}
	pending, err := c.store.AddPending(e.Message(c.UserID()))
	if err != nil {
		if _, rerr := c.queue.Remove(e.ID); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.submit",
				"entry_id": e.ID,
				"error":    rerr.Error(),
			}).Warn("Failed to remove rejected entry")
		}
		return messaging.Message{}, err
	}
	c.metrics.QueueDepth(c.queue.Len(c.channelID))
	c.notifyMessage(pending)

	logrus.WithFields(logrus.Fields{
		"function":  "Channel.submit",
		"client_id": e.ID,
		"kind":      e.Kind,
	}).Debug("Queued outbound message")

	if !c.canFlush() {
		return pending, nil
	}
	sent, err := c.flush(ctx, e.ID)
	if err != nil {
		return messaging.Message{}, err
	}
	if sent != nil {
		return *sent, nil
	}
	return pending, nil
}

func (c *Channel) canFlush() bool {
	return !c.isKilled() && c.session.Status() == session.StatusJoined && c.monitor.Online()
}

// flushBackground flushes the queue outside any caller's request.
func (c *Channel) flushBackground() {
	if !c.canFlush() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.flush(ctx, ""); err != nil {
		c.reportError(err)
	}
}

// flush drains the queue in order. When ownID names an entry sent by the
// current caller, its canonical message or permanent failure is returned
// instead of reported.
func (c *Channel) flush(ctx context.Context, ownID string) (*messaging.Message, error) {
	var sent *messaging.Message
	res, err := c.queue.Drain(ctx, c.channelID, func(ctx context.Context, e queue.Entry) error {
		msg, err := c.sendEntry(ctx, e)
		if err != nil {
			err = c.classify(err, e.ID == ownID)
			if queue.IsPermanent(err) {
				c.store.DropPending(e.ID)
			}
			return err
		}
		if e.ID == ownID {
			sent = &msg
		}
		return nil
	})
	if errors.Is(err, queue.ErrDrainInProgress) {
		// The running drain picks up entries enqueued meanwhile.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ownErr error
	for _, d := range res.Dropped {
		cause := errors.Unwrap(d.Err)
		if cause == nil {
			cause = d.Err
		}
		if d.Entry.ID == ownID {
			ownErr = cause
			continue
		}
		c.reportError(fmt.Errorf("queued message %s dropped: %w", d.Entry.ID, cause))
	}

	c.metrics.Drain(res.Remaining)
	c.metrics.Dropped(len(res.Dropped))
	c.metrics.QueueDepth(res.Remaining)

	if res.Err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Channel.flush",
			"sent":      len(res.Sent),
			"remaining": res.Remaining,
			"error":     res.Err.Error(),
		}).Info("Flush stopped, entries stay queued")
	}
	return sent, ownErr
}

// classify maps a send failure onto the queue's retry semantics.
func (c *Channel) classify(err error, own bool) error {
	pe, ok := protocol.AsError(err)
	if !ok {
		return err
	}
	if pe.Code == protocol.CodeRateLimited {
		c.metrics.RateLimited()
		blocked := c.tracker.Block(pe.RetryAfterDuration())
		if own {
			// The caller is told to wait; the message is not kept.
			return queue.Permanent(blocked)
		}
		return blocked
	}
	if pe.Permanent() {
		return queue.Permanent(err)
	}
	return err
}

// sendEntry emits one queued entry using its id as the idempotency key.
func (c *Channel) sendEntry(ctx context.Context, e queue.Entry) (messaging.Message, error) {
	if err := c.tracker.Allow(); err != nil {
		return messaging.Message{}, err
	}

	req := protocol.SendMessageRequest{
		TransactionID: c.channelID,
		ClientID:      e.ID,
		Kind:          e.Kind,
		Text:          e.Text,
	}
	if e.Proposal != nil {
		terms := e.Proposal.Proposed
		req.Proposed = &terms
	}

	raw, err := c.session.Emit(ctx, protocol.EventSendMessage, req)
	if err != nil {
		return messaging.Message{}, err
	}
	var ack protocol.SendMessageAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return messaging.Message{}, queue.Permanent(err)
	}
	if ack.Remaining != nil {
		c.tracker.OnAck(*ack.Remaining)
	}

	c.store.Confirm(e.ID, ack.Message)
	c.metrics.MessageSent(string(e.Kind))
	c.notifyMessage(ack.Message)

	logrus.WithFields(logrus.Fields{
		"function":   "Channel.sendEntry",
		"client_id":  e.ID,
		"message_id": ack.Message.ID,
		"retries":    e.Retries,
	}).Debug("Message acknowledged")

	return ack.Message, nil
}

func (c *Channel) handlePurged(entries []queue.Entry) {
	dropped := 0
	for _, e := range entries {
		if e.ChannelID != c.channelID {
			continue
		}
		dropped++
		c.store.DropPending(e.ID)
		c.reportError(fmt.Errorf("queued message %s expired after %s", e.ID, c.clock.Since(e.CreatedAt).Round(time.Second)))
	}
	c.metrics.Dropped(dropped)
	c.metrics.QueueDepth(c.queue.Len(c.channelID))
}

// blockedError extracts the rate-limit block from err, if any.
func blockedError(err error) (*ratelimit.BlockedError, bool) {
	var b *ratelimit.BlockedError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}
