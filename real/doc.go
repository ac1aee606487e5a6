// Package real provides the production websocket transport for tradechat.
//
// This package implements interfaces.Dialer and interfaces.Conn on top of
// gorilla/websocket, framing every request, acknowledgement and push as a
// protocol.Frame in a text message. It serves as the production
// implementation, distinct from the in-memory Hub in the testing package.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│             WebSocketConn               │
//	│  ┌─────────────┐  ┌─────────────────┐   │
//	│  │  Pending    │  │   Read loop     │   │
//	│  │  requests   │  │ acks / pushes   │   │
//	│  └─────────────┘  └─────────────────┘   │
//	└───────────────┬─────────────────────────┘
//	                │
//	                ▼
//	┌─────────────────────────────────────────┐
//	│        gorilla/websocket connection     │
//	└─────────────────────────────────────────┘
//
// # Usage
//
//	dialer := real.NewWebSocketDialer(&interfaces.TransportConfig{
//	    URL:              "wss://chat.example.com/ws",
//	    HandshakeTimeout: 10 * time.Second,
//	    RequestTimeout:   15 * time.Second,
//	})
//	conn, err := dialer.Dial(ctx)
//
// A single read goroutine owns the socket's read side. Acknowledgements are
// matched to waiting Emit calls by frame id; pushes are forwarded to Events
// in arrival order. When the socket fails, every waiting Emit returns an
// error wrapping interfaces.ErrConnClosed and Events is closed.
//
// # Thread Safety
//
// Emit may be called concurrently; writes are serialized internally.
package real
