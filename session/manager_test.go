package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/protocol"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
	events   []interfaces.Event
	joins    []protocol.JoinAck
	attempts []time.Duration
}

func (r *recorder) attach(m *Manager) {
	m.OnStatus(func(s Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, s)
	})
	m.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	})
	m.OnEvent(func(ev interfaces.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	m.OnJoined(func(ack protocol.JoinAck) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.joins = append(r.joins, ack)
	})
	m.OnAttempt(func(_ int, d time.Duration) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.attempts = append(r.attempts, d)
	})
}

func (r *recorder) snapshot() ([]Status, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...), append([]error(nil), r.errs...), len(r.events)
}

func noJitter() Backoff {
	b := DefaultBackoff()
	b.Jitter = 0
	return b
}

func setup(t *testing.T, token string) (*Manager, *sim.Hub, *clock.Manual, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	hub := sim.NewHub(clk)
	hub.AddUser("buyer-token", "buyer")
	hub.CreateTransaction(messaging.Transaction{
		ID: "tx-1", BuyerID: "buyer", ProducerID: "producer",
		Status: messaging.TransactionNegotiating,
	})

	m, err := New(Options{
		ChannelID: "tx-1",
		Dialer:    hub.Dialer(),
		Tokens:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Backoff:   noJitter(),
		Clock:     clk,
	})
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(m)
	t.Cleanup(func() { m.Close() })
	return m, hub, clk, rec
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) { return nil, errors.New("refresh failed") }

func TestNewValidatesOptions(t *testing.T) {
	hub := sim.NewHub(clock.NewManual(time.Now()))
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})

	_, err := New(Options{Dialer: hub.Dialer(), Tokens: tokens})
	assert.Error(t, err)
	_, err = New(Options{ChannelID: "tx", Tokens: tokens})
	assert.Error(t, err)
	_, err = New(Options{ChannelID: "tx", Dialer: hub.Dialer()})
	assert.Error(t, err)
}

func TestOpenWalksStatesInOrder(t *testing.T) {
	m, hub, _, rec := setup(t, "buyer-token")
	_, err := hub.PostMessage("tx-1", "producer", "hi there")
	require.NoError(t, err)

	require.NoError(t, m.Open(context.Background()))

	statuses, errs, _ := rec.snapshot()
	assert.Equal(t, []Status{StatusConnecting, StatusTransportUp, StatusAuthenticated, StatusJoined}, statuses)
	assert.Empty(t, errs)
	assert.Equal(t, "buyer", m.UserID())
	assert.Equal(t, StatusJoined, m.Status())
	require.Len(t, rec.joins, 1)
	assert.Equal(t, 1, rec.joins[0].UnreadCount)

	assert.ErrorIs(t, m.Open(context.Background()), ErrAlreadyOpen)
}

func TestAuthenticateBeforeJoin(t *testing.T) {
	m, hub, _, _ := setup(t, "buyer-token")
	require.NoError(t, m.Open(context.Background()))

	reqs := hub.Requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, protocol.EventAuthenticate, reqs[0].Event)
	assert.Equal(t, protocol.EventJoin, reqs[1].Event)
}

func TestEmitRequiresJoin(t *testing.T) {
	m, _, _, _ := setup(t, "buyer-token")
	_, err := m.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Open(context.Background()))
	_, err = m.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1", IsTyping: true})
	assert.NoError(t, err)
}

func TestAuthFailureKeepsRetrying(t *testing.T) {
	m, hub, clk, rec := setup(t, "late-token")

	err := m.Open(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, protocol.IsCode(err, protocol.CodeUnauthorized))
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, m.Attempts())

	// The credential becomes valid before the retry.
	hub.AddUser("late-token", "buyer")
	clk.Advance(time.Second)

	assert.Equal(t, StatusJoined, m.Status())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, []time.Duration{time.Second}, rec.attempts)
}

func TestTokenSourceFailureIsAuthError(t *testing.T) {
	clk := clock.NewManual(time.Now())
	hub := sim.NewHub(clk)
	m, err := New(Options{ChannelID: "tx-1", Dialer: hub.Dialer(), Tokens: failingTokens{}, Backoff: noJitter(), Clock: clk})
	require.NoError(t, err)
	defer m.Close()

	err = m.Open(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.True(t, Retryable(err))
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestJoinFailureIsNotRetried(t *testing.T) {
	m, hub, clk, _ := setup(t, "buyer-token")
	hub.FailNext(protocol.EventJoin, protocol.NewError(protocol.CodeForbidden, "not a party"))

	err := m.Open(context.Background())
	var joinErr *JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.False(t, Retryable(err))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, hub.CountRequests(protocol.EventJoin))

	// The caller may act and open again.
	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, StatusJoined, m.Status())
}

func TestReconnectGivesUpAfterTenAttempts(t *testing.T) {
	m, hub, clk, rec := setup(t, "buyer-token")
	hub.SetOnline(false)

	err := m.Open(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)

	// 1+2+4+8+16 then five capped 30s delays.
	clk.Advance(181 * time.Second)

	assert.True(t, m.Exhausted())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, rec.attempts)

	_, errs, _ := rec.snapshot()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], ErrReconnectExhausted)

	clk.Advance(time.Hour)
	assert.Len(t, rec.attempts, 10)

	// Only an explicit Open restarts the session.
	hub.SetOnline(true)
	require.NoError(t, m.Open(context.Background()))
	assert.False(t, m.Exhausted())
	assert.Equal(t, StatusJoined, m.Status())
}

func TestConnectionLossReconnects(t *testing.T) {
	m, hub, clk, rec := setup(t, "buyer-token")
	require.NoError(t, m.Open(context.Background()))
	gen := m.Generation()

	hub.DropConnections()
	require.Eventually(t, func() bool { return m.Status() == StatusDisconnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, errs, _ := rec.snapshot()
	require.NotEmpty(t, errs)
	var te *TransportError
	assert.ErrorAs(t, errs[0], &te)

	clk.Advance(time.Second)
	assert.Equal(t, StatusJoined, m.Status())
	assert.Equal(t, gen, m.Generation())
	assert.Len(t, rec.joins, 2)
}

func TestNudgeSkipsBackoff(t *testing.T) {
	m, hub, clk, _ := setup(t, "buyer-token")
	hub.SetOnline(false)
	require.Error(t, m.Open(context.Background()))
	require.Equal(t, 1, clk.Pending())

	hub.SetOnline(true)
	m.Nudge()
	require.Eventually(t, func() bool { return m.Status() == StatusJoined }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, clk.Pending())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	m, hub, clk, _ := setup(t, "buyer-token")
	hub.SetOnline(false)
	require.Error(t, m.Open(context.Background()))
	hub.SetOnline(true)
	before := hub.CountRequests(protocol.EventAuthenticate)

	require.NoError(t, m.Close())
	clk.Advance(time.Minute)

	assert.Equal(t, before, hub.CountRequests(protocol.EventAuthenticate))
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestCloseLeavesChannel(t *testing.T) {
	m, hub, _, _ := setup(t, "buyer-token")
	require.NoError(t, m.Open(context.Background()))
	gen := m.Generation()

	require.NoError(t, m.Close())
	assert.Equal(t, 1, hub.CountRequests(protocol.EventLeave))
	assert.Greater(t, m.Generation(), gen)

	_, err := m.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, m.Close())
}

func TestEventsAreDelivered(t *testing.T) {
	m, hub, _, rec := setup(t, "buyer-token")
	require.NoError(t, m.Open(context.Background()))

	_, err := hub.PostMessage("tx-1", "producer", "one")
	require.NoError(t, err)
	_, err = hub.PostMessage("tx-1", "producer", "two")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, n := rec.snapshot()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var first protocol.NewMessageEvent
	require.NoError(t, protocol.Unmarshal(rec.events[0].Payload, &first))
	assert.Equal(t, "one", first.Message.Text)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "JOINED", StatusJoined.String())
	assert.Equal(t, "TRANSPORT_UP", StatusTransportUp.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}

// stallingDialer wraps connections whose typing requests never receive an
// acknowledgement.
type stallingDialer struct {
	interfaces.Dialer
	entered chan struct{}
}

type stallingConn struct {
	interfaces.Conn
	entered chan struct{}
}

func (d *stallingDialer) Dial(ctx context.Context) (interfaces.Conn, error) {
	conn, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &stallingConn{Conn: conn, entered: d.entered}, nil
}

func (c *stallingConn) Emit(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	if event != protocol.EventTyping {
		return c.Conn.Emit(ctx, event, payload)
	}
	close(c.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCloseResolvesInFlightEmit(t *testing.T) {
	_, hub, clk, _ := setup(t, "buyer-token")
	dialer := &stallingDialer{Dialer: hub.Dialer(), entered: make(chan struct{})}
	m, err := New(Options{
		ChannelID: "tx-1",
		Dialer:    dialer,
		Tokens:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "buyer-token"}),
		Backoff:   noJitter(),
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Open(context.Background()))

	result := make(chan error, 1)
	go func() {
		_, err := m.Emit(context.Background(), protocol.EventTyping, protocol.TypingRequest{TransactionID: "tx-1", IsTyping: true})
		result <- err
	}()
	<-dialer.entered

	require.NoError(t, m.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request did not resolve after Close")
	}
	assert.Equal(t, StatusDisconnected, m.Status())
}
