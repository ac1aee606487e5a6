// Package interfaces defines the transport abstraction the negotiation
// client is built on.
//
// This package provides the seam that enables switching between the
// in-memory simulation and a real network transport, supporting both
// production deployments and deterministic testing scenarios.
//
// # Core Interfaces
//
// [Dialer] opens a [Conn]. A Conn is one bidirectional, message-oriented
// session: authenticate once, then emit requests and receive their
// acknowledgements, while server pushes arrive on [Conn.Events]:
//
//	conn, err := dialer.Dial(ctx)
//	if err != nil {
//	    return err
//	}
//	userID, err := conn.Authenticate(ctx, token)
//	ack, err := conn.Emit(ctx, protocol.EventJoin, protocol.JoinRequest{TransactionID: "tx-1"})
//	for ev := range conn.Events() {
//	    // dispatch ev.Name / ev.Payload
//	}
//	// the channel is closed when the connection is lost; conn.Err() says why
//
// # Configuration
//
// [TransportConfig] holds settings shared by transport implementations:
//
//	config := &interfaces.TransportConfig{
//	    URL:              "wss://chat.example.com/ws",
//	    HandshakeTimeout: 10 * time.Second,
//	    RequestTimeout:   15 * time.Second,
//	}
//	if err := config.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Implementation Selection
//
// The factory package creates implementations based on configuration:
//   - UseSimulation=true: dials a Hub from the testing package
//   - UseSimulation=false: dials a websocket server via the real package
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. Emit may be called
// from multiple goroutines while Events is being consumed.
//
// # Error Handling
//
// Emit returns a *protocol.Error when the server rejects a request, and
// ErrConnClosed (possibly wrapped) when the connection is gone. Any other
// error means the outcome of the request is unknown.
package interfaces
