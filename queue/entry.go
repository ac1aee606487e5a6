package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/tradechat/messaging"
)

// Entry is one queued outbound message.
type Entry struct {
	// ID is the client-generated message id, reused as the idempotency token
	// on every attempt.
	ID        string              `json:"id"`
	ChannelID string              `json:"channelId"`
	Kind      messaging.Kind      `json:"kind"`
	Text      string              `json:"text,omitempty"`
	Proposal  *messaging.Proposal `json:"proposal,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	Retries   int                 `json:"retries"`
	Seq       uint64              `json:"seq"`
}

// Message returns the provisional message shown for e before acknowledgement.
func (e Entry) Message(senderID string) messaging.Message {
	m := messaging.Message{
		ID:        messaging.TempID(e.ID),
		ClientID:  e.ID,
		ChannelID: e.ChannelID,
		SenderID:  senderID,
		Kind:      e.Kind,
		Text:      e.Text,
		CreatedAt: e.CreatedAt,
		Pending:   true,
	}
	if e.Proposal != nil {
		p := *e.Proposal
		m.Proposal = &p
	}
	return m
}

func (e Entry) validate() error {
	if e.ChannelID == "" {
		return errors.New("entry requires a channel id")
	}
	switch e.Kind {
	case messaging.KindText:
		if e.Text == "" {
			return errors.New("text entry requires text")
		}
	case messaging.KindProposal:
		if e.Proposal == nil {
			return errors.New("proposal entry requires a proposal")
		}
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

func encodeEntry(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
