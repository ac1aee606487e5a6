// Package typing tracks typing presence in a negotiation channel.
//
// Aggregator holds the remote parties currently typing. Entries are removed
// by an explicit stop signal, or by a safety-net expiry if the stop is lost.
//
// Broadcaster drives the local party's own signal: the first keystroke of a
// burst emits "typing", and after an idle period an explicit "stopped" is
// emitted instead of leaving the remote side to time out.
package typing
