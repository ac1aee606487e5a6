// Package messaging defines the negotiation channel's data model and the
// client-local Message Store.
//
// # Data Model
//
// A Message is either free text (KindText) or a Proposal (KindProposal) that
// carries a candidate revision of a Transaction's Terms. Messages are totally
// ordered by (CreatedAt, ID); the server assigns both.
//
// Before the server acknowledges an outbound message it only has a
// client-generated ClientID and a temporary ID (TempID). The temporary ID is
// retired once the canonical message arrives, either as the send
// acknowledgement or as a new-message push, and is never reused.
//
// # Store
//
// Store keeps confirmed messages sorted and pending (locally queued) messages
// anchored at the tail:
//
//	store := messaging.NewStore("tx-42")
//	store.AddPending(messaging.Message{ClientID: id, Kind: messaging.KindText, Text: "hi"})
//	store.Confirm(id, ack.Message) // provisional entry replaced by the canonical one
//	store.Append(pushed)           // duplicate ids are ignored
//
// LoadOlder pages backwards through history with a cursor; overlapping calls
// collapse into a single request.
package messaging
