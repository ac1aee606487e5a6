package session

import (
	"errors"
	"fmt"
)

var (
	// ErrReconnectExhausted is reported once automatic reconnection gives up.
	ErrReconnectExhausted = errors.New("could not reconnect")

	// ErrSessionClosed is returned for requests cut short by Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected is returned by Emit unless the channel is joined.
	ErrNotConnected = errors.New("channel not joined")

	// ErrAlreadyOpen is returned by Open while the session is active.
	ErrAlreadyOpen = errors.New("session already open")
)

// TransportError wraps a dial failure or a lost connection. It is retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError wraps a rejected or unavailable credential. It is retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// JoinError wraps a refused join. It is not retried.
type JoinError struct {
	ChannelID string
	Err       error
}

func (e *JoinError) Error() string { return fmt.Sprintf("join %s: %v", e.ChannelID, e.Err) }
func (e *JoinError) Unwrap() error { return e.Err }

// Retryable reports whether the reconnect loop continues after err.
func Retryable(err error) bool {
	var te *TransportError
	var ae *AuthError
	return errors.As(err, &te) || errors.As(err, &ae)
}
