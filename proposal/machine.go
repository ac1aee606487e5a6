package proposal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/tradechat/messaging"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoTransaction indicates the transaction has not been loaded yet.
	ErrNoTransaction = errors.New("transaction unknown")

	// ErrNotNegotiable indicates the transaction no longer accepts proposals.
	ErrNotNegotiable = errors.New("transaction is not negotiable")

	// ErrNotProposal indicates the message carries no proposal.
	ErrNotProposal = errors.New("message is not a proposal")

	// ErrOwnProposal indicates a party tried to answer its own proposal.
	ErrOwnProposal = errors.New("cannot respond to own proposal")

	// ErrNotPending indicates the proposal was already decided.
	ErrNotPending = errors.New("proposal is not pending")

	// ErrIllegalTransition indicates an update that would violate monotonicity.
	ErrIllegalTransition = errors.New("illegal proposal transition")

	// ErrMissingTerms indicates an acceptance without the updated transaction.
	ErrMissingTerms = errors.New("accepted proposal carries no transaction")

	// ErrTermsMismatch indicates an acceptance whose transaction terms differ
	// from the proposal's new terms.
	ErrTermsMismatch = errors.New("transaction terms do not match proposal")
)

// Update is a server decision on a proposal.
type Update struct {
	MessageID   string
	Status      messaging.ProposalStatus
	Transaction *messaging.Transaction
}

// Result describes the effect of applying an Update.
type Result struct {
	// Changed is false when the update repeated the current status.
	Changed bool
	// Proposal is the proposal after the update.
	Proposal messaging.Proposal
	// Transaction is set when the transaction record was replaced.
	Transaction *messaging.Transaction
}

// Machine tracks the transaction a channel negotiates and validates proposal
// operations against it.
type Machine struct {
	mu     sync.RWMutex
	userID string
	tx     *messaging.Transaction
}

// NewMachine creates a machine for the given local party.
func NewMachine(userID string) *Machine {
	return &Machine{userID: userID}
}

// SetUser records the local party's id once it is known.
func (m *Machine) SetUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
}

// SetTransaction replaces the tracked transaction.
func (m *Machine) SetTransaction(tx messaging.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx = &tx
}

// Transaction returns the tracked transaction.
func (m *Machine) Transaction() (messaging.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tx == nil {
		return messaging.Transaction{}, false
	}
	return *m.tx, true
}

// Negotiable reports whether proposals may currently be made or answered.
func (m *Machine) Negotiable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tx != nil && m.tx.Status.Negotiable()
}

// NewProposal builds a PENDING proposal capturing the current terms as the
// original values.
func (m *Machine) NewProposal(terms messaging.Terms) (messaging.Proposal, error) {
	if err := terms.Validate(); err != nil {
		return messaging.Proposal{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.negotiableLocked(); err != nil {
		return messaging.Proposal{}, err
	}
	return messaging.Proposal{
		Original: m.tx.Terms,
		Proposed: terms,
		Status:   messaging.ProposalPending,
	}, nil
}

// CheckRespond reports whether the local party may accept or reject msg.
func (m *Machine) CheckRespond(msg messaging.Message) error {
	if msg.Kind != messaging.KindProposal || msg.Proposal == nil {
		return fmt.Errorf("%w: %s", ErrNotProposal, msg.ID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.negotiableLocked(); err != nil {
		return err
	}
	if msg.SenderID == m.userID {
		return fmt.Errorf("%w: %s", ErrOwnProposal, msg.ID)
	}
	if msg.Proposal.Status != messaging.ProposalPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, msg.ID, msg.Proposal.Status)
	}
	return nil
}

// Apply validates a server update against the stored message and, if legal,
// returns the new proposal and updates the tracked transaction. On error
// nothing changes.
func (m *Machine) Apply(msg messaging.Message, u Update) (Result, error) {
	if msg.Kind != messaging.KindProposal || msg.Proposal == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNotProposal, msg.ID)
	}

	current := *msg.Proposal
	if u.Status == current.Status {
		return Result{Proposal: current}, nil
	}
	if err := checkTransition(msg.ID, current.Status, u.Status); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Status == messaging.ProposalAccepted {
		if u.Transaction == nil {
			return Result{}, fmt.Errorf("%w: %s", ErrMissingTerms, msg.ID)
		}
		if !u.Transaction.Terms.Equal(current.Proposed) {
			return Result{}, fmt.Errorf("%w: %s", ErrTermsMismatch, msg.ID)
		}
		if m.tx != nil && m.tx.ID != "" && u.Transaction.ID != m.tx.ID {
			return Result{}, fmt.Errorf("%w: transaction %s, expected %s", ErrTermsMismatch, u.Transaction.ID, m.tx.ID)
		}
	}

	current.Status = u.Status
	res := Result{Changed: true, Proposal: current}
	if u.Transaction != nil {
		tx := *u.Transaction
		m.tx = &tx
		res.Transaction = &tx
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.Apply",
		"message_id": msg.ID,
		"status":     u.Status,
		"tx_updated": res.Transaction != nil,
	}).Info("Applied proposal update")

	return res, nil
}

// Reconcile adopts the status of a proposal as found in a history page
// fetched after a reconnect. The transaction was already taken from the join
// acknowledgement, so no terms are applied, but transitions stay monotonic.
func (m *Machine) Reconcile(msg messaging.Message, status messaging.ProposalStatus) (Result, error) {
	if msg.Kind != messaging.KindProposal || msg.Proposal == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNotProposal, msg.ID)
	}

	current := *msg.Proposal
	if status == current.Status {
		return Result{Proposal: current}, nil
	}
	if err := checkTransition(msg.ID, current.Status, status); err != nil {
		return Result{}, err
	}
	current.Status = status

	logrus.WithFields(logrus.Fields{
		"function":   "Machine.Reconcile",
		"message_id": msg.ID,
		"status":     status,
	}).Info("Reconciled proposal status from history")

	return Result{Changed: true, Proposal: current}, nil
}

func checkTransition(messageID string, from, to messaging.ProposalStatus) error {
	if to.Valid() && to != messaging.ProposalPending && !from.Terminal() {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":   "checkTransition",
		"message_id": messageID,
		"from":       from,
		"to":         to,
	}).Warn("Refusing non-monotonic proposal update")
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func (m *Machine) negotiableLocked() error {
	if m.tx == nil {
		return ErrNoTransaction
	}
	if !m.tx.Status.Negotiable() {
		return fmt.Errorf("%w: status %s", ErrNotNegotiable, m.tx.Status)
	}
	return nil
}
