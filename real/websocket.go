package real

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
)

const eventBuffer = 64

// WebSocketDialer dials a tradechat server over websocket.
type WebSocketDialer struct {
	config *interfaces.TransportConfig
	dialer *websocket.Dialer
	header http.Header
}

// NewWebSocketDialer creates a dialer for config.URL.
func NewWebSocketDialer(config *interfaces.TransportConfig) *WebSocketDialer {
	logrus.WithFields(logrus.Fields{
		"function":          "NewWebSocketDialer",
		"url":               config.URL,
		"handshake_timeout": config.HandshakeTimeout,
		"request_timeout":   config.RequestTimeout,
	}).Info("Creating websocket dialer")

	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		header: http.Header{},
	}
}

// SetHeader sets an HTTP header sent with the upgrade request.
func (d *WebSocketDialer) SetHeader(key, value string) {
	d.header.Set(key, value)
}

// IsSimulation returns false for the websocket transport.
func (d *WebSocketDialer) IsSimulation() bool {
	return false
}

// Dial opens the websocket and starts its read loop.
func (d *WebSocketDialer) Dial(ctx context.Context) (interfaces.Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.config.URL, d.header)
	if err != nil {
		fields := logrus.Fields{
			"function": "WebSocketDialer.Dial",
			"url":      d.config.URL,
			"error":    err.Error(),
		}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		logrus.WithFields(fields).Warn("Websocket dial failed")
		return nil, fmt.Errorf("dial %s: %w", d.config.URL, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketDialer.Dial",
		"url":      d.config.URL,
	}).Debug("Websocket connected")

	return NewWebSocketConn(ws, d.config.RequestTimeout), nil
}

// WebSocketConn implements interfaces.Conn over a websocket.
type WebSocketConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Frame
	nextID  uint64
	authed  bool
	closed  bool
	err     error

	events chan interfaces.Event
	done   chan struct{}
}

// NewWebSocketConn wraps an established websocket and starts reading.
func NewWebSocketConn(ws *websocket.Conn, requestTimeout time.Duration) *WebSocketConn {
	ws.SetReadLimit(limits.MaxFrameSize)
	c := &WebSocketConn{
		ws:      ws,
		timeout: requestTimeout,
		pending: make(map[string]chan protocol.Frame),
		events:  make(chan interfaces.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Authenticate presents token and records the connection as authenticated.
func (c *WebSocketConn) Authenticate(ctx context.Context, token string) (string, error) {
	raw, err := c.request(ctx, protocol.EventAuthenticate, protocol.AuthenticateRequest{Token: token})
	if err != nil {
		return "", err
	}
	var ack protocol.AuthenticateAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return ack.UserID, nil
}

// Emit sends a request and waits for its acknowledgement.
func (c *WebSocketConn) Emit(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return nil, interfaces.ErrNotAuthenticated
	}
	return c.request(ctx, event, payload)
}

// Events returns the push channel.
func (c *WebSocketConn) Events() <-chan interfaces.Event {
	return c.events
}

// Err reports why the connection ended.
func (c *WebSocketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and shuts the socket down.
func (c *WebSocketConn) Close() error {
	if !c.shutdown(nil) {
		return nil
	}
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WebSocketConn) request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	body, err := protocol.Marshal(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, interfaces.ErrConnClosed
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	reply := make(chan protocol.Frame, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := protocol.Encode(protocol.Frame{Type: protocol.FrameRequest, ID: id, Event: event, Payload: body})
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.write(ctx, data); err != nil {
		c.shutdown(err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConnClosed, err)
	}

	select {
	case f := <-reply:
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Payload, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WebSocketConn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketConn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketConn.readLoop",
				"error":    err.Error(),
			}).Warn("Discarding malformed frame")
			continue
		}

		switch f.Type {
		case protocol.FrameAck:
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
			}
		case protocol.FrameEvent:
			select {
			case c.events <- interfaces.Event{Name: f.Event, Payload: f.Payload}:
			case <-c.done:
				return
			}
		}
	}
}

// shutdown marks the connection closed. It reports whether this call did so.
func (c *WebSocketConn) shutdown(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if cause != nil {
		c.err = fmt.Errorf("%w: %v", interfaces.ErrConnClosed, cause)
		logrus.WithFields(logrus.Fields{
			"function": "WebSocketConn.shutdown",
			"error":    cause.Error(),
		}).Info("Websocket connection lost")
	}
	close(c.done)
	if cause != nil {
		go c.ws.Close()
	}
	return true
}

func (c *WebSocketConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return interfaces.ErrConnClosed
}
