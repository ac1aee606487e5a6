package testing

import (
	"encoding/json"
	"errors"

	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
)

// handle runs one request under the hub lock and returns the encoded ack.
func (h *Hub) handle(c *hubConn, event string, raw json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		if c.err != nil {
			return nil, c.err
		}
		return nil, interfaces.ErrConnClosed
	}

	rec := RequestRecord{UserID: c.userID, Event: event, Timestamp: h.clock.Now()}
	ack, err := h.dispatchLocked(c, event, raw, &rec)
	rec.Err = err
	h.requests = append(h.requests, rec)

	if h.dropNextAck[event] {
		delete(h.dropNextAck, event)
		h.closeConnLocked(c, errors.New("connection lost before acknowledgement"))
		return nil, c.err
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.handle",
			"user_id":  c.userID,
			"event":    event,
			"error":    err.Error(),
		}).Debug("Simulated request rejected")
		return nil, err
	}
	return protocol.Marshal(ack)
}

func (h *Hub) dispatchLocked(c *hubConn, event string, raw json.RawMessage, rec *RequestRecord) (interface{}, error) {
	if perr, ok := h.failNext[event]; ok {
		delete(h.failNext, event)
		return nil, perr
	}
	if event != protocol.EventAuthenticate && !c.authed {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "authenticate first")
	}

	switch event {
	case protocol.EventAuthenticate:
		return h.authenticateLocked(c, raw)
	case protocol.EventJoin:
		return h.joinLocked(c, raw)
	case protocol.EventLeave:
		return h.leaveLocked(c, raw)
	case protocol.EventSendMessage:
		return h.sendMessageLocked(c, raw, rec)
	case protocol.EventGetMessages:
		return h.getMessagesLocked(c, raw)
	case protocol.EventMarkRead:
		return h.markReadLocked(c, raw)
	case protocol.EventAcceptProposal:
		return h.respondLocked(c, raw, messaging.ProposalAccepted)
	case protocol.EventRejectProposal:
		return h.respondLocked(c, raw, messaging.ProposalRejected)
	case protocol.EventTyping:
		return h.typingLocked(c, raw)
	}
	return nil, protocol.NewError(protocol.CodeValidation, "unknown event %q", event)
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := protocol.Unmarshal(raw, v); err != nil {
		return protocol.NewError(protocol.CodeValidation, "malformed payload: %v", err)
	}
	return nil
}

func (h *Hub) authenticateLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.AuthenticateRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	userID, ok := h.tokens[req.Token]
	if !ok || req.Token == "" {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "invalid or expired token")
	}
	c.userID = userID
	c.authed = true
	return protocol.AuthenticateAck{UserID: userID}, nil
}

// memberChannelLocked resolves a channel the caller has joined.
func (h *Hub) memberChannelLocked(c *hubConn, txID string) (*channelState, error) {
	ch, ok := h.channels[txID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "transaction %s not found", txID)
	}
	if !ch.members[c] {
		return nil, protocol.NewError(protocol.CodeForbidden, "not joined to %s", txID)
	}
	return ch, nil
}

func (h *Hub) joinLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.JoinRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ch, ok := h.channels[req.TransactionID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "transaction %s not found", req.TransactionID)
	}
	if !ch.tx.IsParty(c.userID) {
		return nil, protocol.NewError(protocol.CodeForbidden, "%s is not a party to %s", c.userID, req.TransactionID)
	}
	ch.members[c] = true

	unread := 0
	for _, m := range ch.messages {
		if !m.Read && m.SenderID != c.userID {
			unread++
		}
	}
	tx := ch.tx
	return protocol.JoinAck{
		Success:     true,
		UnreadCount: unread,
		Transaction: &tx,
		Quota: &protocol.Quota{
			Remaining: h.remainingLocked(c.userID + "|" + ch.tx.ID),
			Limit:     h.quota,
		},
	}, nil
}

func (h *Hub) leaveLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.LeaveRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if ch, ok := h.channels[req.TransactionID]; ok {
		delete(ch.members, c)
	}
	return struct{}{}, nil
}

func (h *Hub) sendMessageLocked(c *hubConn, raw json.RawMessage, rec *RequestRecord) (interface{}, error) {
	var req protocol.SendMessageRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	rec.ClientID = req.ClientID
	ch, err := h.memberChannelLocked(c, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if req.ClientID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "clientId is required")
	}

	quotaKey := c.userID + "|" + ch.tx.ID
	if id, dup := ch.byClient[c.userID+"|"+req.ClientID]; dup {
		// Retried send: answer with the stored message, no new broadcast.
		remaining := h.remainingLocked(quotaKey)
		return protocol.SendMessageAck{Message: ch.messages[h.findLocked(ch, id)].Clone(), Remaining: &remaining}, nil
	}

	msg := messaging.Message{ClientID: req.ClientID, SenderID: c.userID, Kind: req.Kind}
	switch req.Kind {
	case messaging.KindText:
		if err := limits.ValidateText(req.Text); err != nil {
			return nil, protocol.NewError(protocol.CodeValidation, "%v", err)
		}
		msg.Text = req.Text
	case messaging.KindProposal:
		if !ch.tx.Status.Negotiable() {
			return nil, protocol.NewError(protocol.CodeValidation, "transaction %s is %s", ch.tx.ID, ch.tx.Status)
		}
		if req.Proposed == nil {
			return nil, protocol.NewError(protocol.CodeValidation, "proposal requires terms")
		}
		if err := req.Proposed.Validate(); err != nil {
			return nil, protocol.NewError(protocol.CodeValidation, "%v", err)
		}
		msg.Proposal = &messaging.Proposal{Original: ch.tx.Terms, Proposed: *req.Proposed, Status: messaging.ProposalPending}
	default:
		return nil, protocol.NewError(protocol.CodeValidation, "unknown kind %q", req.Kind)
	}

	remaining, retryAfter, ok := h.takeQuotaLocked(quotaKey)
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeRateLimited, Message: "too many messages", RetryAfter: retryAfter}
	}

	if msg.Kind == messaging.KindProposal && ch.tx.Status == messaging.TransactionPending {
		ch.tx.Status = messaging.TransactionNegotiating
		ch.tx.UpdatedAt = h.clock.Now()
	}
	msg = h.persistLocked(ch, msg)
	h.broadcastLocked(ch, nil, protocol.EventNewMessage, protocol.NewMessageEvent{Message: msg})
	return protocol.SendMessageAck{Message: msg.Clone(), Remaining: &remaining}, nil
}

func (h *Hub) getMessagesLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.GetMessagesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ch, err := h.memberChannelLocked(c, req.TransactionID)
	if err != nil {
		return nil, err
	}
	limit, err := limits.ClampPageLimit(req.Limit)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "%v", err)
	}

	end := len(ch.messages)
	if req.Before != "" {
		end = h.findLocked(ch, req.Before)
		if end < 0 {
			return nil, protocol.NewError(protocol.CodeNotFound, "cursor %s not found", req.Before)
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]messaging.Message, 0, end-start)
	for _, m := range ch.messages[start:end] {
		page = append(page, m.Clone())
	}
	return protocol.GetMessagesAck{Messages: page, HasMore: start > 0}, nil
}

func (h *Hub) markReadLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.MarkReadRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ch, err := h.memberChannelLocked(c, req.TransactionID)
	if err != nil {
		return nil, err
	}

	only := make(map[string]bool, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		only[id] = true
	}
	var changed []string
	for i := range ch.messages {
		m := &ch.messages[i]
		if m.Read || m.SenderID == c.userID || (len(only) > 0 && !only[m.ID]) {
			continue
		}
		m.Read = true
		changed = append(changed, m.ID)
	}
	if len(changed) > 0 {
		h.broadcastLocked(ch, nil, protocol.EventMessagesRead, protocol.MessagesReadEvent{
			TransactionID: ch.tx.ID,
			ReaderID:      c.userID,
			MessageIDs:    changed,
		})
	}
	return protocol.MarkReadAck{Count: len(changed)}, nil
}

func (h *Hub) respondLocked(c *hubConn, raw json.RawMessage, status messaging.ProposalStatus) (interface{}, error) {
	var req protocol.RespondProposalRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ch, err := h.memberChannelLocked(c, req.TransactionID)
	if err != nil {
		return nil, err
	}
	i := h.findLocked(ch, req.MessageID)
	if i < 0 {
		return nil, protocol.NewError(protocol.CodeNotFound, "message %s not found", req.MessageID)
	}
	m := &ch.messages[i]
	switch {
	case m.Kind != messaging.KindProposal || m.Proposal == nil:
		return nil, protocol.NewError(protocol.CodeValidation, "message %s is not a proposal", m.ID)
	case m.SenderID == c.userID:
		return nil, protocol.NewError(protocol.CodeForbidden, "cannot respond to own proposal")
	case m.Proposal.Status != messaging.ProposalPending:
		return nil, protocol.NewError(protocol.CodeConflict, "proposal already %s", m.Proposal.Status)
	case !ch.tx.Status.Negotiable():
		return nil, protocol.NewError(protocol.CodeValidation, "transaction %s is %s", ch.tx.ID, ch.tx.Status)
	}

	// Status and terms change together under the hub lock.
	m.Proposal.Status = status
	update := protocol.ProposalUpdatedEvent{TransactionID: ch.tx.ID, MessageID: m.ID, Status: status}
	if status == messaging.ProposalAccepted {
		ch.tx.Terms = m.Proposal.Proposed
		ch.tx.Status = messaging.TransactionNegotiating
		ch.tx.UpdatedAt = h.clock.Now()
		tx := ch.tx
		update.Transaction = &tx
	}
	h.broadcastLocked(ch, nil, protocol.EventProposalUpdated, update)
	return struct{}{}, nil
}

func (h *Hub) typingLocked(c *hubConn, raw json.RawMessage) (interface{}, error) {
	var req protocol.TypingRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ch, err := h.memberChannelLocked(c, req.TransactionID)
	if err != nil {
		return nil, err
	}
	h.broadcastLocked(ch, c, protocol.EventUserTyping, protocol.UserTypingEvent{
		TransactionID: ch.tx.ID,
		UserID:        c.userID,
		Name:          h.names[c.userID],
		IsTyping:      req.IsTyping,
	})
	return struct{}{}, nil
}
