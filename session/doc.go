// Package session owns the transport session of one negotiation channel.
//
// A Manager walks each connection attempt through
//
//	DISCONNECTED → CONNECTING → TRANSPORT_UP → AUTHENTICATED → JOINED
//
// Authentication always completes before the join request is sent. A fresh
// credential is taken from an oauth2.TokenSource on every attempt, so a
// token refreshed between attempts is picked up without prompting the user.
//
// # Reconnection
//
// When the transport is lost the manager schedules the next attempt with
// exponential backoff (1s doubling to a 30s cap by default) perturbed by
// ±50% jitter. After ten consecutive failed attempts it gives up and
// reports ErrReconnectExhausted; only a new call to Open restarts it.
// Authentication failures are retried on the same schedule because the
// credential may be refreshed externally. Join failures are not retried.
//
// # Generations
//
// Every Open and Close starts a new generation. Timers, dial results and
// event loops capture the generation they were started for and are
// discarded if it is no longer current, so a reconnect racing an explicit
// Close never resurrects the session. Requests in flight when the session
// closes resolve to ErrSessionClosed.
//
// # Callbacks
//
// OnStatus, OnJoined, OnEvent and OnError are called without the manager's
// lock held. Push events of one connection are delivered in arrival order by
// a single goroutine.
package session
