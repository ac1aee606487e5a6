package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrConnClosed is returned by Conn methods after the connection ended.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotAuthenticated is returned by Emit before Authenticate succeeded.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrInvalidURL indicates a server URL that cannot be dialed.
	ErrInvalidURL = errors.New("invalid server url")

	// ErrInvalidTimeout indicates a non-positive timeout value.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// Event is a server push.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Dialer opens connections to the chat server.
type Dialer interface {
	// Dial establishes the transport. The returned Conn is not yet authenticated.
	Dial(ctx context.Context) (Conn, error)

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// Conn is a single transport session.
type Conn interface {
	// Authenticate presents the credential and returns the party's user id.
	Authenticate(ctx context.Context, token string) (string, error)

	// Emit sends a request and waits for its acknowledgement payload.
	Emit(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)

	// Events delivers server pushes in arrival order. It is closed when the
	// connection ends for any reason.
	Events() <-chan Event

	// Err reports why Events was closed; nil after a local Close.
	Err() error

	// Close shuts down the connection. It is safe to call more than once.
	Close() error
}

// TransportConfig holds configuration for transport implementations
type TransportConfig struct {
	// UseSimulation determines whether to use the in-memory hub or a real server
	UseSimulation bool

	// URL is the websocket endpoint, e.g. wss://host/ws
	URL string

	// HandshakeTimeout bounds the transport handshake
	HandshakeTimeout time.Duration

	// RequestTimeout bounds a single emit when the caller sets no deadline
	RequestTimeout time.Duration
}

// Validate checks the configuration for consistency.
func (c *TransportConfig) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout %v", ErrInvalidTimeout, c.HandshakeTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout %v", ErrInvalidTimeout, c.RequestTimeout)
	}
	if c.UseSimulation {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q is not ws or wss", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}
