package proposal

import (
	"testing"
	"time"

	"github.com/opd-ai/tradechat/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	june  = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	july  = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	start = messaging.Terms{Price: 10, Quantity: 100, DeliveryDate: june}
	offer = messaging.Terms{Price: 9, Quantity: 120, DeliveryDate: july}
)

func newTx(status messaging.TransactionStatus) messaging.Transaction {
	return messaging.Transaction{ID: "tx-1", BuyerID: "buyer", ProducerID: "producer", Status: status, Terms: start}
}

func proposalMsg(sender string, status messaging.ProposalStatus) messaging.Message {
	return messaging.Message{
		ID:       "p1",
		SenderID: sender,
		Kind:     messaging.KindProposal,
		Proposal: &messaging.Proposal{Original: start, Proposed: offer, Status: status},
	}
}

func TestNewProposalCapturesOriginalTerms(t *testing.T) {
	m := NewMachine("buyer")
	_, err := m.NewProposal(offer)
	assert.ErrorIs(t, err, ErrNoTransaction)

	m.SetTransaction(newTx(messaging.TransactionNegotiating))
	p, err := m.NewProposal(offer)
	require.NoError(t, err)
	assert.Equal(t, messaging.ProposalPending, p.Status)
	assert.True(t, p.Original.Equal(start))
	assert.True(t, p.Proposed.Equal(offer))

	_, err = m.NewProposal(messaging.Terms{Price: 1})
	assert.ErrorIs(t, err, messaging.ErrInvalidTerms)
}

func TestNewProposalRequiresNegotiableTransaction(t *testing.T) {
	m := NewMachine("buyer")
	m.SetTransaction(newTx(messaging.TransactionConfirmed))

	_, err := m.NewProposal(offer)
	assert.ErrorIs(t, err, ErrNotNegotiable)
	assert.False(t, m.Negotiable())
}

func TestCheckRespond(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		status  messaging.TransactionStatus
		msg     messaging.Message
		wantErr error
	}{
		{"counterparty may respond", "producer", messaging.TransactionNegotiating, proposalMsg("buyer", messaging.ProposalPending), nil},
		{"own proposal", "buyer", messaging.TransactionNegotiating, proposalMsg("buyer", messaging.ProposalPending), ErrOwnProposal},
		{"already decided", "producer", messaging.TransactionNegotiating, proposalMsg("buyer", messaging.ProposalRejected), ErrNotPending},
		{"closed transaction", "producer", messaging.TransactionCompleted, proposalMsg("buyer", messaging.ProposalPending), ErrNotNegotiable},
		{"text message", "producer", messaging.TransactionNegotiating, messaging.Message{ID: "t1", Kind: messaging.KindText}, ErrNotProposal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(tt.user)
			m.SetTransaction(newTx(tt.status))
			err := m.CheckRespond(tt.msg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestApplyAcceptReplacesTransactionTerms(t *testing.T) {
	m := NewMachine("producer")
	m.SetTransaction(newTx(messaging.TransactionNegotiating))

	updated := newTx(messaging.TransactionNegotiating)
	updated.Terms = offer
	res, err := m.Apply(proposalMsg("buyer", messaging.ProposalPending), Update{
		MessageID:   "p1",
		Status:      messaging.ProposalAccepted,
		Transaction: &updated,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, messaging.ProposalAccepted, res.Proposal.Status)
	require.NotNil(t, res.Transaction)

	tx, ok := m.Transaction()
	require.True(t, ok)
	assert.True(t, tx.Terms.Equal(offer))
}

func TestApplyAcceptRefusesInconsistentTransaction(t *testing.T) {
	m := NewMachine("producer")
	m.SetTransaction(newTx(messaging.TransactionNegotiating))
	msg := proposalMsg("buyer", messaging.ProposalPending)

	_, err := m.Apply(msg, Update{MessageID: "p1", Status: messaging.ProposalAccepted})
	assert.ErrorIs(t, err, ErrMissingTerms)

	wrong := newTx(messaging.TransactionNegotiating)
	_, err = m.Apply(msg, Update{MessageID: "p1", Status: messaging.ProposalAccepted, Transaction: &wrong})
	assert.ErrorIs(t, err, ErrTermsMismatch)

	other := newTx(messaging.TransactionNegotiating)
	other.ID = "tx-2"
	other.Terms = offer
	_, err = m.Apply(msg, Update{MessageID: "p1", Status: messaging.ProposalAccepted, Transaction: &other})
	assert.ErrorIs(t, err, ErrTermsMismatch)

	tx, _ := m.Transaction()
	assert.True(t, tx.Terms.Equal(start), "transaction must be unchanged after a refused update")
}

func TestApplyIsMonotonic(t *testing.T) {
	m := NewMachine("producer")
	m.SetTransaction(newTx(messaging.TransactionNegotiating))

	tests := []struct {
		name    string
		from    messaging.ProposalStatus
		to      messaging.ProposalStatus
		changed bool
		wantErr error
	}{
		{"pending to rejected", messaging.ProposalPending, messaging.ProposalRejected, true, nil},
		{"repeat rejected", messaging.ProposalRejected, messaging.ProposalRejected, false, nil},
		{"rejected to accepted", messaging.ProposalRejected, messaging.ProposalAccepted, false, ErrIllegalTransition},
		{"accepted to pending", messaging.ProposalAccepted, messaging.ProposalPending, false, ErrIllegalTransition},
		{"pending to pending", messaging.ProposalPending, messaging.ProposalPending, false, nil},
		{"unknown status", messaging.ProposalPending, messaging.ProposalStatus("WITHDRAWN"), false, ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Apply(proposalMsg("buyer", tt.from), Update{MessageID: "p1", Status: tt.to})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.changed, res.Changed)
			assert.Equal(t, tt.to, res.Proposal.Status)
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	m := NewMachine("producer")
	m.SetTransaction(newTx(messaging.TransactionNegotiating))
	msg := proposalMsg("buyer", messaging.ProposalPending)

	_, err := m.Apply(msg, Update{MessageID: "p1", Status: messaging.ProposalRejected})
	require.NoError(t, err)
	assert.Equal(t, messaging.ProposalPending, msg.Proposal.Status)
}

func TestReconcileAdoptsDecidedStatusWithoutTerms(t *testing.T) {
	m := NewMachine("buyer")
	tx := newTx(messaging.TransactionNegotiating)
	tx.Terms = offer
	m.SetTransaction(tx)

	res, err := m.Reconcile(proposalMsg("buyer", messaging.ProposalPending), messaging.ProposalAccepted)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, messaging.ProposalAccepted, res.Proposal.Status)
	assert.Nil(t, res.Transaction)

	got, ok := m.Transaction()
	require.True(t, ok)
	assert.True(t, got.Terms.Equal(offer))

	res, err = m.Reconcile(proposalMsg("buyer", messaging.ProposalAccepted), messaging.ProposalAccepted)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = m.Reconcile(proposalMsg("buyer", messaging.ProposalAccepted), messaging.ProposalRejected)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = m.Reconcile(proposalMsg("buyer", messaging.ProposalRejected), messaging.ProposalPending)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
