// Package queue implements the durable offline send queue.
//
// Every outbound message is enqueued before any transport attempt and stays
// in the queue until the server acknowledges it, the server rejects it
// permanently, or it expires by age. Entries survive process restarts when
// the queue is backed by PebbleStorage; a Sealer encrypts them at rest.
//
// # Draining
//
// Drain sends a channel's entries one at a time in FIFO order and stops at
// the first failure, so a party's own messages are never reordered. Only one
// drain per channel runs at a time; Enqueue is safe to call while a drain is
// in progress and the new entry joins the tail.
//
//	res, err := q.Drain(ctx, "tx-42", func(ctx context.Context, e queue.Entry) error {
//	    return send(ctx, e)
//	})
//
// A send function marks an error with Permanent when resending can never
// succeed; such entries are dropped and reported in the DrainResult.
//
// # Expiry
//
// Janitor calls PurgeOlderThan on a cron schedule.
package queue
