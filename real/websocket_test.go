package real

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*sim.Hub, *WebSocketDialer) {
	t.Helper()
	hub := sim.NewHub(clock.Real{})
	hub.AddUser("buyer-token", "buyer")
	hub.AddUser("producer-token", "producer")
	hub.CreateTransaction(messaging.Transaction{
		ID: "tx-1", BuyerID: "buyer", ProducerID: "producer",
		Status: messaging.TransactionNegotiating,
	})

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	cfg := &interfaces.TransportConfig{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
	}
	require.NoError(t, cfg.Validate())
	return hub, NewWebSocketDialer(cfg)
}

func dialJoined(t *testing.T, d *WebSocketDialer, token string) interfaces.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Authenticate(ctx, token)
	require.NoError(t, err)
	_, err = conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	require.NoError(t, err)
	return conn
}

func waitEvent(t *testing.T, conn interfaces.Conn, name string) interfaces.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			require.True(t, ok, "events closed while waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestWebSocketDialerIsReal(t *testing.T) {
	d := NewWebSocketDialer(&interfaces.TransportConfig{URL: "ws://localhost:1", HandshakeTimeout: time.Second, RequestTimeout: time.Second})
	assert.False(t, d.IsSimulation())
}

func TestWebSocketEmitRequiresAuthentication(t *testing.T) {
	_, d := startHub(t)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Emit(context.Background(), protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, interfaces.ErrNotAuthenticated)

	_, err = conn.Authenticate(context.Background(), "bad-token")
	assert.True(t, protocol.IsCode(err, protocol.CodeUnauthorized))
}

func TestWebSocketRoundTrip(t *testing.T) {
	_, d := startHub(t)
	buyer := dialJoined(t, d, "buyer-token")
	producer := dialJoined(t, d, "producer-token")

	raw, err := buyer.Emit(context.Background(), protocol.EventSendMessage, protocol.SendMessageRequest{
		TransactionID: "tx-1", ClientID: "c-1", Kind: messaging.KindText, Text: "hello over the wire",
	})
	require.NoError(t, err)
	var ack protocol.SendMessageAck
	require.NoError(t, protocol.Unmarshal(raw, &ack))
	assert.Equal(t, "c-1", ack.Message.ClientID)

	ev := waitEvent(t, producer, protocol.EventNewMessage)
	var pushed protocol.NewMessageEvent
	require.NoError(t, protocol.Unmarshal(ev.Payload, &pushed))
	assert.Equal(t, ack.Message.ID, pushed.Message.ID)
	assert.Equal(t, "hello over the wire", pushed.Message.Text)
}

func TestWebSocketServerErrorsKeepCode(t *testing.T) {
	hub, d := startHub(t)
	buyer := dialJoined(t, d, "buyer-token")

	hub.FailNext(protocol.EventSendMessage, &protocol.Error{Code: protocol.CodeRateLimited, Message: "slow down", RetryAfter: 42})
	_, err := buyer.Emit(context.Background(), protocol.EventSendMessage, protocol.SendMessageRequest{
		TransactionID: "tx-1", ClientID: "c-1", Kind: messaging.KindText, Text: "hi",
	})
	perr, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRateLimited, perr.Code)
	assert.Equal(t, 42*time.Second, perr.RetryAfterDuration())
}

func TestWebSocketDropClosesEvents(t *testing.T) {
	hub, d := startHub(t)
	buyer := dialJoined(t, d, "buyer-token")

	hub.DropConnections()

	select {
	case _, ok := <-buyer.Events():
		for ok {
			_, ok = <-buyer.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events were not closed after the server dropped the socket")
	}
	assert.ErrorIs(t, buyer.Err(), interfaces.ErrConnClosed)

	_, err := buyer.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, interfaces.ErrConnClosed)
}

func TestWebSocketLocalClose(t *testing.T) {
	_, d := startHub(t)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Err())
}
