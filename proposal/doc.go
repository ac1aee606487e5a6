// Package proposal implements the proposal lifecycle and its effect on the
// parent transaction.
//
// A proposal starts PENDING and moves exactly once to ACCEPTED or REJECTED.
// Clients never transition a proposal themselves: accepting or rejecting only
// sends a request, and the Machine applies the server's proposal-updated
// broadcast when it arrives. Applying an acceptance replaces the
// transaction's terms with the proposal's new terms in one step.
package proposal
