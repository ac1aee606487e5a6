// Package limits provides centralized size and bound constants with validation
// functions for the negotiation channel. It keeps the client's local checks
// consistent with what the server enforces, so that malformed input is rejected
// before it is queued or sent.
//
// # Bounds
//
//   - MaxTextMessage (4000 runes): longest free-text message a party may send.
//   - MaxFrameSize (1MB): largest websocket frame the transport accepts. This
//     prevents memory exhaustion from a misbehaving server.
//   - DefaultPageSize / MaxPageSize: history page sizes for pagination.
//   - DefaultSendQuota / MaxSendQuota: per-party send quota bounds.
//   - DefaultQueueMaxAge: age after which queued outbound entries are purged.
//
// # Validation Functions
//
//	if err := limits.ValidateText(text); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
//	limit, err := limits.ClampPageLimit(requested)
package limits
