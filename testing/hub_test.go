package testing

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTerms = messaging.Terms{Price: 10, Quantity: 100, DeliveryDate: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)}

func newTestHub(t *testing.T) (*Hub, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	hub := NewHub(clk)
	hub.AddUser("buyer-token", "buyer")
	hub.AddUser("producer-token", "producer")
	hub.AddUser("outsider-token", "outsider")
	hub.CreateTransaction(messaging.Transaction{
		ID: "tx-1", BuyerID: "buyer", ProducerID: "producer",
		Status: messaging.TransactionPending, Terms: testTerms,
	})
	return hub, clk
}

func joined(t *testing.T, hub *Hub, token string) interfaces.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := hub.Dialer().Dial(ctx)
	require.NoError(t, err)
	_, err = conn.Authenticate(ctx, token)
	require.NoError(t, err)
	_, err = conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn interfaces.Conn, clientID, text string) (protocol.SendMessageAck, error) {
	t.Helper()
	var ack protocol.SendMessageAck
	raw, err := conn.Emit(context.Background(), protocol.EventSendMessage, protocol.SendMessageRequest{
		TransactionID: "tx-1", ClientID: clientID, Kind: messaging.KindText, Text: text,
	})
	if err != nil {
		return ack, err
	}
	require.NoError(t, protocol.Unmarshal(raw, &ack))
	return ack, nil
}

func nextEvent(t *testing.T, conn interfaces.Conn) interfaces.Event {
	t.Helper()
	select {
	case ev := <-conn.Events():
		return ev
	default:
		t.Fatal("expected a pushed event")
		return interfaces.Event{}
	}
}

func TestHubAuthenticate(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	conn, err := hub.Dialer().Dial(ctx)
	require.NoError(t, err)

	_, err = conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, interfaces.ErrNotAuthenticated)

	_, err = conn.Authenticate(ctx, "bogus")
	assert.True(t, protocol.IsCode(err, protocol.CodeUnauthorized))

	userID, err := conn.Authenticate(ctx, "buyer-token")
	require.NoError(t, err)
	assert.Equal(t, "buyer", userID)
	assert.True(t, hub.Dialer().IsSimulation())
}

func TestHubJoin(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	_, err := hub.PostMessage("tx-1", "producer", "hello")
	require.NoError(t, err)

	conn, err := hub.Dialer().Dial(ctx)
	require.NoError(t, err)
	_, err = conn.Authenticate(ctx, "buyer-token")
	require.NoError(t, err)

	raw, err := conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	require.NoError(t, err)
	var ack protocol.JoinAck
	require.NoError(t, protocol.Unmarshal(raw, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, 1, ack.UnreadCount)
	require.NotNil(t, ack.Transaction)
	assert.Equal(t, messaging.TransactionPending, ack.Transaction.Status)
	require.NotNil(t, ack.Quota)
	assert.Equal(t, 10, ack.Quota.Remaining)

	_, err = conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-missing"})
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))

	outsider, err := hub.Dialer().Dial(ctx)
	require.NoError(t, err)
	_, err = outsider.Authenticate(ctx, "outsider-token")
	require.NoError(t, err)
	_, err = outsider.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))
}

func TestHubSendIsIdempotent(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	producer := joined(t, hub, "producer-token")

	first, err := send(t, buyer, "c-1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, first.Message.ID)
	assert.Equal(t, "c-1", first.Message.ClientID)
	require.NotNil(t, first.Remaining)
	assert.Equal(t, 9, *first.Remaining)

	again, err := send(t, buyer, "c-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, first.Message.ID, again.Message.ID)
	assert.Len(t, hub.Messages("tx-1"), 1)

	ev := nextEvent(t, producer)
	assert.Equal(t, protocol.EventNewMessage, ev.Name)
	assert.Empty(t, producer.Events(), "retried send must not broadcast twice")
	// The sender receives its own broadcast too.
	assert.Equal(t, protocol.EventNewMessage, nextEvent(t, buyer).Name)
}

func TestHubSendValidation(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")

	_, err := send(t, buyer, "c-1", "")
	assert.True(t, protocol.IsCode(err, protocol.CodeValidation))

	_, err = send(t, buyer, "", "hi")
	assert.True(t, protocol.IsCode(err, protocol.CodeValidation))

	_, err = buyer.Emit(context.Background(), "teleport", nil)
	assert.True(t, protocol.IsCode(err, protocol.CodeValidation))
}

func TestHubQuota(t *testing.T) {
	hub, clk := newTestHub(t)
	hub.SetQuota(2, time.Minute)
	buyer := joined(t, hub, "buyer-token")

	_, err := send(t, buyer, "c-1", "one")
	require.NoError(t, err)
	_, err = send(t, buyer, "c-2", "two")
	require.NoError(t, err)

	_, err = send(t, buyer, "c-3", "three")
	perr, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRateLimited, perr.Code)
	assert.Equal(t, 60, perr.RetryAfter)

	clk.Advance(45 * time.Second)
	_, err = send(t, buyer, "c-3", "three")
	perr, _ = protocol.AsError(err)
	require.NotNil(t, perr)
	assert.Equal(t, 15, perr.RetryAfter)

	clk.Advance(15 * time.Second)
	ack, err := send(t, buyer, "c-3", "three")
	require.NoError(t, err)
	assert.Equal(t, 1, *ack.Remaining)
}

func TestHubPaging(t *testing.T) {
	hub, _ := newTestHub(t)
	for i := 0; i < 5; i++ {
		_, err := hub.PostMessage("tx-1", "producer", "m")
		require.NoError(t, err)
	}
	all := hub.Messages("tx-1")
	buyer := joined(t, hub, "buyer-token")

	raw, err := buyer.Emit(context.Background(), protocol.EventGetMessages, protocol.GetMessagesRequest{TransactionID: "tx-1", Limit: 2})
	require.NoError(t, err)
	var page protocol.GetMessagesAck
	require.NoError(t, protocol.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, all[3].ID, page.Messages[0].ID)
	assert.Equal(t, all[4].ID, page.Messages[1].ID)
	assert.True(t, page.HasMore)

	raw, err = buyer.Emit(context.Background(), protocol.EventGetMessages, protocol.GetMessagesRequest{
		TransactionID: "tx-1", Before: all[3].ID, Limit: 10, Direction: protocol.DirectionOlder,
	})
	require.NoError(t, err)
	require.NoError(t, protocol.Unmarshal(raw, &page))
	assert.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)

	_, err = buyer.Emit(context.Background(), protocol.EventGetMessages, protocol.GetMessagesRequest{TransactionID: "tx-1", Before: "nope"})
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))
}

func TestHubMarkRead(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	producer := joined(t, hub, "producer-token")

	_, err := send(t, buyer, "c-1", "from buyer")
	require.NoError(t, err)
	_, err = hub.PostMessage("tx-1", "producer", "from producer")
	require.NoError(t, err)
	for len(producer.Events()) > 0 {
		<-producer.Events()
	}

	raw, err := buyer.Emit(context.Background(), protocol.EventMarkRead, protocol.MarkReadRequest{TransactionID: "tx-1"})
	require.NoError(t, err)
	var ack protocol.MarkReadAck
	require.NoError(t, protocol.Unmarshal(raw, &ack))
	assert.Equal(t, 1, ack.Count, "own messages are never marked")

	ev := nextEvent(t, producer)
	assert.Equal(t, protocol.EventMessagesRead, ev.Name)
	var read protocol.MessagesReadEvent
	require.NoError(t, protocol.Unmarshal(ev.Payload, &read))
	assert.Equal(t, "buyer", read.ReaderID)
	assert.Len(t, read.MessageIDs, 1)
}

func TestHubProposalAccept(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	producer := joined(t, hub, "producer-token")
	ctx := context.Background()

	proposed := testTerms
	proposed.Price = 12
	raw, err := producer.Emit(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{
		TransactionID: "tx-1", ClientID: "p-1", Kind: messaging.KindProposal, Proposed: &proposed,
	})
	require.NoError(t, err)
	var sent protocol.SendMessageAck
	require.NoError(t, protocol.Unmarshal(raw, &sent))
	require.NotNil(t, sent.Message.Proposal)
	assert.Equal(t, messaging.ProposalPending, sent.Message.Proposal.Status)
	assert.True(t, sent.Message.Proposal.Original.Equal(testTerms))

	tx, _ := hub.Transaction("tx-1")
	assert.Equal(t, messaging.TransactionNegotiating, tx.Status)

	_, err = producer.Emit(ctx, protocol.EventAcceptProposal, protocol.RespondProposalRequest{TransactionID: "tx-1", MessageID: sent.Message.ID})
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))

	for len(buyer.Events()) > 0 {
		<-buyer.Events()
	}
	_, err = buyer.Emit(ctx, protocol.EventAcceptProposal, protocol.RespondProposalRequest{TransactionID: "tx-1", MessageID: sent.Message.ID})
	require.NoError(t, err)

	ev := nextEvent(t, buyer)
	assert.Equal(t, protocol.EventProposalUpdated, ev.Name)
	var upd protocol.ProposalUpdatedEvent
	require.NoError(t, protocol.Unmarshal(ev.Payload, &upd))
	assert.Equal(t, messaging.ProposalAccepted, upd.Status)
	require.NotNil(t, upd.Transaction)
	assert.True(t, upd.Transaction.Terms.Equal(proposed))

	tx, _ = hub.Transaction("tx-1")
	assert.True(t, tx.Terms.Equal(proposed))

	_, err = buyer.Emit(ctx, protocol.EventRejectProposal, protocol.RespondProposalRequest{TransactionID: "tx-1", MessageID: sent.Message.ID})
	assert.True(t, protocol.IsCode(err, protocol.CodeConflict))
}

func TestHubProposalRequiresNegotiableTransaction(t *testing.T) {
	hub, _ := newTestHub(t)
	require.NoError(t, hub.SetTransactionStatus("tx-1", messaging.TransactionShipped))
	producer := joined(t, hub, "producer-token")

	_, err := producer.Emit(context.Background(), protocol.EventSendMessage, protocol.SendMessageRequest{
		TransactionID: "tx-1", ClientID: "p-1", Kind: messaging.KindProposal, Proposed: &testTerms,
	})
	assert.True(t, protocol.IsCode(err, protocol.CodeValidation))
}

func TestHubTypingRelay(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	producer := joined(t, hub, "producer-token")

	_, err := buyer.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1", IsTyping: true})
	require.NoError(t, err)

	assert.Empty(t, buyer.Events(), "typing is not echoed to the typist")
	ev := nextEvent(t, producer)
	var typing protocol.UserTypingEvent
	require.NoError(t, protocol.Unmarshal(ev.Payload, &typing))
	assert.Equal(t, "buyer", typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestHubFaultInjection(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")

	hub.FailNext(protocol.EventSendMessage, protocol.NewError(protocol.CodeInternal, "boom"))
	_, err := send(t, buyer, "c-1", "hello")
	assert.True(t, protocol.IsCode(err, protocol.CodeInternal))
	assert.Empty(t, hub.Messages("tx-1"))

	hub.DropNextAck(protocol.EventSendMessage)
	_, err = send(t, buyer, "c-1", "hello")
	assert.ErrorIs(t, err, interfaces.ErrConnClosed)
	assert.Len(t, hub.Messages("tx-1"), 1, "the request was processed before the ack was lost")
	assert.ErrorIs(t, buyer.Err(), interfaces.ErrConnClosed)
	assert.Equal(t, 2, hub.CountRequests(protocol.EventSendMessage))
}

func TestHubOffline(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	assert.Equal(t, 1, hub.ConnectionCount())

	hub.SetOnline(false)
	_, open := <-buyer.Events()
	assert.False(t, open)
	assert.ErrorIs(t, buyer.Err(), interfaces.ErrConnClosed)
	assert.Equal(t, 0, hub.ConnectionCount())

	_, err := hub.Dialer().Dial(context.Background())
	assert.ErrorIs(t, err, ErrOffline)

	hub.SetOnline(true)
	_, err = hub.Dialer().Dial(context.Background())
	assert.NoError(t, err)
}

func TestHubLocalCloseHasNoError(t *testing.T) {
	hub, _ := newTestHub(t)
	buyer := joined(t, hub, "buyer-token")
	require.NoError(t, buyer.Close())
	assert.NoError(t, buyer.Err())

	_, err := send(t, buyer, "c-1", "hello")
	assert.ErrorIs(t, err, interfaces.ErrConnClosed)
}
