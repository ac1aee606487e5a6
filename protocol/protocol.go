package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
)

// Request events, emitted by the client and acknowledged by the server.
const (
	EventAuthenticate   = "authenticate"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventSendMessage    = "send-message"
	EventGetMessages    = "get-messages"
	EventMarkRead       = "mark-read"
	EventAcceptProposal = "accept-proposal"
	EventRejectProposal = "reject-proposal"
	EventTyping         = "typing"
)

// Push events, sent by the server without a request.
const (
	EventNewMessage      = "new-message"
	EventMessagesRead    = "messages-read"
	EventUserTyping      = "user-typing"
	EventProposalUpdated = "proposal-updated"
	EventError           = "error"
)

// FrameType distinguishes requests, acknowledgements and pushes.
type FrameType string

const (
	FrameRequest FrameType = "request"
	FrameAck     FrameType = "ack"
	FrameEvent   FrameType = "event"
)

// ErrMalformedFrame indicates a frame that cannot be interpreted.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the wire envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Encode marshals a frame, enforcing the maximum frame size.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := limits.ValidateFrame(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (Frame, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameRequest:
		if f.ID == "" || f.Event == "" {
			return Frame{}, fmt.Errorf("%w: request requires id and event", ErrMalformedFrame)
		}
	case FrameAck:
		if f.ID == "" {
			return Frame{}, fmt.Errorf("%w: ack requires id", ErrMalformedFrame)
		}
	case FrameEvent:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%w: event requires a name", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// Marshal encodes a payload for a frame. A nil payload yields nil.
func Marshal(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a payload into v. An empty payload leaves v untouched.
func Unmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// AuthenticateRequest presents a bearer credential.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// AuthenticateAck identifies the authenticated party.
type AuthenticateAck struct {
	UserID string `json:"userId"`
}

// JoinRequest subscribes the session to a channel.
type JoinRequest struct {
	TransactionID string `json:"transactionId"`
}

// Quota is the rate-limit budget as seen by the server.
type Quota struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// JoinAck acknowledges a join.
type JoinAck struct {
	Success     bool                   `json:"success"`
	UnreadCount int                    `json:"unreadCount"`
	Transaction *messaging.Transaction `json:"transaction,omitempty"`
	Quota       *Quota                 `json:"quota,omitempty"`
}

// LeaveRequest unsubscribes from a channel.
type LeaveRequest struct {
	TransactionID string `json:"transactionId"`
}

// SendMessageRequest submits a text or proposal message. ClientID is the
// idempotency token: resending the same ClientID never creates a second message.
type SendMessageRequest struct {
	TransactionID string           `json:"transactionId"`
	ClientID      string           `json:"clientId"`
	Kind          messaging.Kind   `json:"kind"`
	Text          string           `json:"text,omitempty"`
	Proposed      *messaging.Terms `json:"proposed,omitempty"`
}

// SendMessageAck returns the persisted message and the remaining quota.
type SendMessageAck struct {
	Message   messaging.Message `json:"message"`
	Remaining *int              `json:"remaining,omitempty"`
}

// GetMessagesRequest requests a page of history. Before is a message id; an
// empty Before requests the most recent page.
type GetMessagesRequest struct {
	TransactionID string `json:"transactionId"`
	Before        string `json:"before,omitempty"`
	Limit         int    `json:"limit"`
	Direction     string `json:"direction,omitempty"`
}

// DirectionOlder is the only paging direction used by clients.
const DirectionOlder = "older"

// GetMessagesAck carries a page in ascending order.
type GetMessagesAck struct {
	Messages []messaging.Message `json:"messages"`
	HasMore  bool                `json:"hasMore"`
}

// MarkReadRequest marks messages as read. Empty MessageIDs means all.
type MarkReadRequest struct {
	TransactionID string   `json:"transactionId"`
	MessageIDs    []string `json:"messageIds,omitempty"`
}

// MarkReadAck reports how many messages changed.
type MarkReadAck struct {
	Count int `json:"count"`
}

// RespondProposalRequest accepts or rejects a proposal, depending on the event.
type RespondProposalRequest struct {
	TransactionID string `json:"transactionId"`
	MessageID     string `json:"messageId"`
}

// TypingRequest announces the local party's typing state.
type TypingRequest struct {
	TransactionID string `json:"transactionId"`
	IsTyping      bool   `json:"isTyping"`
}

// NewMessageEvent pushes a persisted message.
type NewMessageEvent struct {
	Message messaging.Message `json:"message"`
}

// MessagesReadEvent reports that ReaderID has read messages.
type MessagesReadEvent struct {
	TransactionID string   `json:"transactionId"`
	ReaderID      string   `json:"readerId"`
	MessageIDs    []string `json:"messageIds,omitempty"`
}

// UserTypingEvent reports a remote typing state change. Name is the
// party's display name and may be empty.
type UserTypingEvent struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	IsTyping      bool   `json:"isTyping"`
}

// ProposalUpdatedEvent reports a proposal decision. Transaction is set when
// the proposal was accepted and the terms were applied.
type ProposalUpdatedEvent struct {
	TransactionID string                   `json:"transactionId"`
	MessageID     string                   `json:"messageId"`
	Status        messaging.ProposalStatus `json:"status"`
	Transaction   *messaging.Transaction   `json:"transaction,omitempty"`
}
