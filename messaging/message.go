package messaging

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the type of message.
type Kind string

const (
	// KindText is a free-text message.
	KindText Kind = "TEXT"
	// KindProposal carries a candidate revision of the transaction terms.
	KindProposal Kind = "PROPOSAL"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindProposal
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalAccepted ProposalStatus = "ACCEPTED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// Valid reports whether s is a known proposal status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalPending, ProposalAccepted, ProposalRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalRejected
}

// ErrInvalidTerms indicates a malformed set of negotiated terms.
var ErrInvalidTerms = errors.New("invalid terms")

// Terms are the three negotiated fields of a transaction.
type Terms struct {
	Price        float64   `json:"price"`
	Quantity     int       `json:"quantity"`
	DeliveryDate time.Time `json:"deliveryDate"`
}

// Equal reports whether all three fields match.
func (t Terms) Equal(o Terms) bool {
	return t.Price == o.Price && t.Quantity == o.Quantity && t.DeliveryDate.Equal(o.DeliveryDate)
}

// Validate checks that every field holds a usable value.
func (t Terms) Validate() error {
	switch {
	case t.Price <= 0:
		return fmt.Errorf("%w: price %.2f must be positive", ErrInvalidTerms, t.Price)
	case t.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidTerms, t.Quantity)
	case t.DeliveryDate.IsZero():
		return fmt.Errorf("%w: delivery date is required", ErrInvalidTerms)
	}
	return nil
}

// Proposal is the structured payload of a KindProposal message.
type Proposal struct {
	Original Terms          `json:"original"`
	Proposed Terms          `json:"proposed"`
	Status   ProposalStatus `json:"status"`
}

// TempIDPrefix marks identifiers assigned locally before acknowledgement.
const TempIDPrefix = "local:"

// TempID returns the temporary identifier for a client-generated id.
func TempID(clientID string) string {
	return TempIDPrefix + clientID
}

// Message is a single entry in a negotiation channel.
type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	ChannelID string    `json:"channelId"`
	SenderID  string    `json:"senderId"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Proposal  *Proposal `json:"proposal,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`

	// Pending is true only while the message is queued locally and not yet
	// acknowledged by the server. It is never sent over the wire.
	Pending bool `json:"-"`
}

// Before reports whether m sorts before o in channel order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Proposal != nil {
		p := *m.Proposal
		m.Proposal = &p
	}
	return m
}

// TransactionStatus is the lifecycle state of the parent transaction.
type TransactionStatus string

const (
	TransactionPending      TransactionStatus = "PENDING"
	TransactionNegotiating  TransactionStatus = "NEGOTIATING"
	TransactionConfirmed    TransactionStatus = "CONFIRMED"
	TransactionInProduction TransactionStatus = "IN_PRODUCTION"
	TransactionShipped      TransactionStatus = "SHIPPED"
	TransactionCompleted    TransactionStatus = "COMPLETED"
	TransactionCancelled    TransactionStatus = "CANCELLED"
)

// Negotiable reports whether proposals may still be made or answered.
func (s TransactionStatus) Negotiable() bool {
	return s == TransactionPending || s == TransactionNegotiating
}

// Transaction is the record a channel is attached to.
type Transaction struct {
	ID         string            `json:"id"`
	BuyerID    string            `json:"buyerId"`
	ProducerID string            `json:"producerId"`
	Status     TransactionStatus `json:"status"`
	Terms      Terms             `json:"terms"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or the producer.
func (t Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.ProducerID)
}

// Counterparty returns the other party's id, or "" if userID is not a party.
func (t Transaction) Counterparty(userID string) string {
	switch userID {
	case "":
		return ""
	case t.BuyerID:
		return t.ProducerID
	case t.ProducerID:
		return t.BuyerID
	}
	return ""
}
