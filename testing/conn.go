package testing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/protocol"
	"github.com/sirupsen/logrus"
)

const hubEventBuffer = 256

// ErrOffline is returned by dials while the hub is offline.
var ErrOffline = errors.New("simulated network offline")

// HubDialer implements interfaces.Dialer for a Hub.
type HubDialer struct {
	hub *Hub
}

// Dialer returns a dialer connecting to h in memory.
func (h *Hub) Dialer() *HubDialer {
	return &HubDialer{hub: h}
}

// IsSimulation returns true for the in-memory transport.
func (d *HubDialer) IsSimulation() bool {
	return true
}

// Dial opens an in-memory connection.
func (d *HubDialer) Dial(ctx context.Context) (interfaces.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.hub.connect()
}

// hubConn is one client session. All mutable fields are guarded by hub.mu.
type hubConn struct {
	hub    *Hub
	userID string
	authed bool
	closed bool
	err    error
	events chan interfaces.Event
}

func (h *Hub) connect() (*hubConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.online {
		return nil, ErrOffline
	}
	c := &hubConn{hub: h, events: make(chan interfaces.Event, hubEventBuffer)}
	h.conns[c] = true
	return c, nil
}

// Authenticate implements interfaces.Conn.
func (c *hubConn) Authenticate(ctx context.Context, token string) (string, error) {
	raw, err := c.call(ctx, protocol.EventAuthenticate, protocol.AuthenticateRequest{Token: token})
	if err != nil {
		return "", err
	}
	var ack protocol.AuthenticateAck
	if err := protocol.Unmarshal(raw, &ack); err != nil {
		return "", err
	}
	return ack.UserID, nil
}

// Emit implements interfaces.Conn.
func (c *hubConn) Emit(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	c.hub.mu.Lock()
	authed := c.authed
	c.hub.mu.Unlock()
	if !authed {
		return nil, interfaces.ErrNotAuthenticated
	}
	return c.call(ctx, event, payload)
}

// Events implements interfaces.Conn.
func (c *hubConn) Events() <-chan interfaces.Event {
	return c.events
}

// Err implements interfaces.Conn.
func (c *hubConn) Err() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.err
}

// Close implements interfaces.Conn.
func (c *hubConn) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.closeConnLocked(c, nil)
	return nil
}

// call encodes payload the way a socket would, so handlers only ever see
// wire data.
func (c *hubConn) call(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := protocol.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.hub.handle(c, event, raw)
}

func (h *Hub) pushLocked(c *hubConn, event string, raw json.RawMessage) {
	if c.closed {
		return
	}
	select {
	case c.events <- interfaces.Event{Name: event, Payload: raw}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Hub.push",
			"user_id":  c.userID,
			"event":    event,
		}).Warn("Slow consumer, dropping simulated connection")
		h.closeConnLocked(c, fmt.Errorf("event buffer overflow"))
	}
}

func (h *Hub) closeConnLocked(c *hubConn, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if cause != nil {
		c.err = fmt.Errorf("%w: %v", interfaces.ErrConnClosed, cause)
	}
	delete(h.conns, c)
	for _, ch := range h.channels {
		delete(ch.members, c)
	}
	close(c.events)
}
