package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// leaveTimeout bounds the best-effort leave request sent by Close.
const leaveTimeout = 2 * time.Second

// Status is the connection state of the session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusTransportUp
	StatusAuthenticated
	StatusJoined
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusTransportUp:
		return "TRANSPORT_UP"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusJoined:
		return "JOINED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Options configures a Manager.
type Options struct {
	ChannelID string
	Dialer    interfaces.Dialer
	Tokens    oauth2.TokenSource
	Backoff   Backoff
	Clock     clock.Clock
}

// Manager runs the connection lifecycle of one channel.
type Manager struct {
	channelID string
	dialer    interfaces.Dialer
	tokens    oauth2.TokenSource
	backoff   Backoff
	clock     clock.Clock

	mu         sync.Mutex
	status     Status
	gen        uint64
	running    bool
	connecting bool
	exhausted  bool
	attempts   int
	timer      clock.Timer
	conn       interfaces.Conn
	userID     string
	ctx        context.Context
	cancel     context.CancelFunc

	onStatus  func(Status)
	onJoined  func(protocol.JoinAck)
	onEvent   func(interfaces.Event)
	onError   func(error)
	onAttempt func(attempt int, delay time.Duration)
}

// New creates a disconnected manager.
func New(opts Options) (*Manager, error) {
	if opts.ChannelID == "" {
		return nil, errors.New("channel id is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "session.New",
		"channel_id": opts.ChannelID,
		"simulation": opts.Dialer.IsSimulation(),
	}).Debug("Creating session manager")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Manager{
		channelID: opts.ChannelID,
		dialer:    opts.Dialer,
		tokens:    opts.Tokens,
		backoff:   opts.Backoff.withDefaults(),
		clock:     clock.OrDefault(opts.Clock),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// OnStatus sets the status change callback.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// OnJoined sets the callback run after every successful join, before Open
// returns for the first attempt.
func (m *Manager) OnJoined(fn func(protocol.JoinAck)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoined = fn
}

// OnEvent sets the push event callback.
func (m *Manager) OnEvent(fn func(interfaces.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// OnError sets the callback for asynchronous failures.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// OnAttempt sets the callback run whenever a reconnect is scheduled.
func (m *Manager) OnAttempt(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttempt = fn
}

// ChannelID returns the channel this manager joins.
func (m *Manager) ChannelID() string {
	return m.channelID
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// UserID returns the identity confirmed by the last authentication.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Generation returns the current generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Attempts returns the number of reconnect attempts scheduled since the
// last successful join.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether reconnection gave up.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Open starts a new generation and makes the first connection attempt,
// returning its outcome. Retryable failures keep reconnecting in the
// background.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	m.gen++
	gen := m.gen
	m.running = true
	m.exhausted = false
	m.attempts = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Open",
		"channel_id": m.channelID,
		"generation": gen,
	}).Info("Opening channel session")

	err := m.attempt(ctx, gen)
	if err != nil {
		m.afterFailure(gen, err)
	}
	return err
}

// Close leaves the channel, tears the transport down and stops
// reconnection. Queued work owned by callers is untouched.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running && m.conn == nil && m.status == StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	m.running = false
	m.connecting = false
	m.attempts = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn, joined := m.conn, m.status == StatusJoined
	m.conn = nil
	cancel := m.cancel
	changed := m.setStatusLocked(StatusDisconnected)
	onStatus := m.onStatus
	m.mu.Unlock()

	var err error
	if conn != nil {
		if joined {
			ctx, done := context.WithTimeout(context.Background(), leaveTimeout)
			if _, lerr := conn.Emit(ctx, protocol.EventLeave, protocol.LeaveRequest{TransactionID: m.channelID}); lerr != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "Manager.Close",
					"channel_id": m.channelID,
					"error":      lerr.Error(),
				}).Debug("Leave request failed")
			}
			done()
		}
		err = conn.Close()
	}
	cancel()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Close",
		"channel_id": m.channelID,
	}).Info("Channel session closed")

	if changed && onStatus != nil {
		onStatus(StatusDisconnected)
	}
	return err
}

// Nudge skips a pending backoff delay and reconnects now. The attempt
// counter is unchanged.
func (m *Manager) Nudge() {
	m.mu.Lock()
	if !m.running || m.connecting || m.conn != nil || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer.Stop()
	m.timer = nil
	gen := m.gen
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Nudge",
		"channel_id": m.channelID,
	}).Debug("Network available, reconnecting immediately")
	go m.reconnect(gen)
}

// Emit sends a request on the joined connection. It returns
// ErrSessionClosed if the session closes before the acknowledgement.
func (m *Manager) Emit(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	conn, status, sessCtx := m.conn, m.status, m.ctx
	m.mu.Unlock()
	if conn == nil || status != StatusJoined {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	raw, err := conn.Emit(ctx, event, payload)
	if err == nil {
		return raw, nil
	}
	if sessCtx.Err() != nil {
		return nil, ErrSessionClosed
	}
	if errors.Is(err, interfaces.ErrConnClosed) {
		return nil, &TransportError{Err: err}
	}
	return nil, err
}

// attempt runs one connection attempt for gen.
func (m *Manager) attempt(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.connecting = true
	sessCtx := m.ctx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if gen == m.gen {
			m.connecting = false
		}
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	m.transition(gen, StatusConnecting)

	token, err := m.tokens.Token()
	if err != nil {
		return m.failAttempt(gen, nil, &AuthError{Err: fmt.Errorf("token source: %w", err)})
	}

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return m.failAttempt(gen, nil, &TransportError{Err: err})
	}
	if !m.transition(gen, StatusTransportUp) {
		conn.Close()
		return ErrSessionClosed
	}

	userID, err := conn.Authenticate(ctx, token.AccessToken)
	if err != nil {
		if _, ok := protocol.AsError(err); ok {
			return m.failAttempt(gen, conn, &AuthError{Err: err})
		}
		return m.failAttempt(gen, conn, &TransportError{Err: err})
	}
	m.mu.Lock()
	if gen == m.gen {
		m.userID = userID
	}
	m.mu.Unlock()
	if !m.transition(gen, StatusAuthenticated) {
		conn.Close()
		return ErrSessionClosed
	}

	raw, err := conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: m.channelID})
	if err != nil {
		if _, ok := protocol.AsError(err); ok {
			return m.failAttempt(gen, conn, &JoinError{ChannelID: m.channelID, Err: err})
		}
		return m.failAttempt(gen, conn, &TransportError{Err: err})
	}
	var ack protocol.JoinAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return m.failAttempt(gen, conn, &TransportError{Err: err})
	}
	if !ack.Success {
		return m.failAttempt(gen, conn, &JoinError{ChannelID: m.channelID, Err: errors.New("join refused")})
	}

	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	m.conn = conn
	m.attempts = 0
	changed := m.setStatusLocked(StatusJoined)
	onStatus, onJoined := m.onStatus, m.onJoined
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.attempt",
		"channel_id":   m.channelID,
		"user_id":      userID,
		"generation":   gen,
		"unread_count": ack.UnreadCount,
	}).Info("Joined channel")

	go m.watch(conn, gen)

	if changed && onStatus != nil {
		onStatus(StatusJoined)
	}
	if onJoined != nil {
		onJoined(ack)
	}
	return nil
}

// failAttempt closes conn, returns the manager to DISCONNECTED and
// passes err through.
func (m *Manager) failAttempt(gen uint64, conn interfaces.Conn, err error) error {
	if conn != nil {
		conn.Close()
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.attempt",
		"channel_id": m.channelID,
		"generation": gen,
		"error":      err.Error(),
	}).Warn("Connection attempt failed")

	m.transition(gen, StatusDisconnected)
	return err
}

// afterFailure decides between retrying and stopping once an attempt of
// the current generation failed.
func (m *Manager) afterFailure(gen uint64, err error) {
	if errors.Is(err, ErrSessionClosed) {
		return
	}
	if !Retryable(err) {
		m.mu.Lock()
		if gen == m.gen {
			m.running = false
		}
		m.mu.Unlock()
		return
	}
	m.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer, or gives up after
// MaxAttempts consecutive attempts.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running || m.timer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.backoff.MaxAttempts {
		m.running = false
		m.exhausted = true
		attempts := m.attempts
		onError := m.onError
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "Manager.scheduleReconnect",
			"channel_id": m.channelID,
			"attempts":   attempts,
		}).Error("Giving up on reconnection")
		if onError != nil {
			onError(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts))
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.backoff.Delay(attempt)
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	onAttempt := m.onAttempt
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.scheduleReconnect",
		"channel_id": m.channelID,
		"attempt":    attempt,
		"delay":      delay,
	}).Info("Reconnect scheduled")
	if onAttempt != nil {
		onAttempt(attempt, delay)
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running || m.connecting || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	onError := m.onError
	m.mu.Unlock()

	err := m.attempt(context.Background(), gen)
	if err == nil {
		return
	}
	if onError != nil && !errors.Is(err, ErrSessionClosed) {
		onError(err)
	}
	m.afterFailure(gen, err)
}

// watch delivers pushes of one connection until it ends.
func (m *Manager) watch(conn interfaces.Conn, gen uint64) {
	for ev := range conn.Events() {
		m.mu.Lock()
		current := gen == m.gen && m.conn == conn
		onEvent := m.onEvent
		m.mu.Unlock()
		if !current {
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	onError := m.onError
	m.mu.Unlock()

	cause := conn.Err()
	if cause == nil {
		cause = interfaces.ErrConnClosed
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.watch",
		"channel_id": m.channelID,
		"error":      cause.Error(),
	}).Warn("Connection lost")

	m.transition(gen, StatusDisconnected)
	if onError != nil {
		onError(&TransportError{Err: cause})
	}
	m.scheduleReconnect(gen)
}

// transition sets the status if gen is current and notifies listeners.
// It reports whether gen was current.
func (m *Manager) transition(gen uint64, s Status) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	changed := m.setStatusLocked(s)
	onStatus := m.onStatus
	m.mu.Unlock()

	if changed && onStatus != nil {
		onStatus(s)
	}
	return true
}

func (m *Manager) setStatusLocked(s Status) bool {
	if m.status == s {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.setStatus",
		"channel_id": m.channelID,
		"from":       m.status.String(),
		"to":         s.String(),
	}).Debug("Session status changed")
	m.status = s
	return true
}
