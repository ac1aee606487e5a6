// Package testing provides an in-memory chat server for deterministic
// testing of tradechat clients.
//
// # Overview
//
// Hub implements the server side of the negotiation protocol entirely in
// memory: token authentication, channel membership, message persistence and
// ordering, idempotent sends keyed by client id, history paging, read
// receipts, typing relay, per-party send quotas, and the transactional
// update applied when a proposal is accepted. Tests drive real client code
// against it without any network.
//
// # Simulation vs Real Implementation
//
//   - Simulation (this package): Hub.Dialer returns an interfaces.Dialer
//     whose connections call straight into the hub.
//
//   - Real (real package): connections speak websocket to a server. Hub
//     can play that server too through ServeWS, which is how the
//     tradechat serve-sim command works.
//
// # Usage
//
//	clk := clock.NewManual(time.Now())
//	hub := testing.NewHub(clk)
//	hub.AddUser("buyer-token", "buyer")
//	hub.AddUser("producer-token", "producer")
//	hub.CreateTransaction(messaging.Transaction{
//	    ID: "tx-1", BuyerID: "buyer", ProducerID: "producer",
//	    Status: messaging.TransactionNegotiating,
//	})
//	conn, _ := hub.Dialer().Dial(ctx)
//
// # Fault Injection
//
// SetOnline(false) drops every connection and refuses new dials.
// DropConnections drops live connections only. FailNext makes the next
// request for an event fail with a chosen error, and DropNextAck processes
// the next request but loses its acknowledgement, which reproduces the
// ambiguous-delivery case.
//
// # Request Log
//
// Every request is recorded (see Requests) for test verification.
//
// # Thread Safety
//
// All Hub methods are safe for concurrent use.
package testing
