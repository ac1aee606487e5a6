// Package tradechat is the client side of a buyer/producer negotiation
// channel: a real-time chat scoped to one transaction in which the parties
// exchange text and structured proposals to change the transaction's terms.
//
// # Getting Started
//
// Create a channel with options, register callbacks and open it:
//
//	options := tradechat.NewOptions()
//	options.ChannelID = "tx-42"
//	options.Dialer = real.NewWebSocketDialer(transportConfig)
//	options.Tokens = oauthConfig.TokenSource(ctx, token)
//
//	ch, err := tradechat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Kill()
//
//	ch.OnMessage(func(msg messaging.Message) {
//	    fmt.Printf("%s: %s\n", msg.SenderID, msg.Text)
//	})
//
//	if err := ch.Open(ctx); err != nil {
//	    log.Printf("open: %v", err)
//	}
//
// Open returns the outcome of the first attempt. Transport and
// authentication failures keep retrying with exponential backoff; a
// rejected join is returned and not retried.
//
// # Sending
//
// Send and Propose never lose a message. Each one is first written to the
// offline queue under a client-generated id, shown immediately as a pending
// echo with the temporary id "local:<clientId>", and sent when the channel
// is joined and the network is up. The client id is the idempotency key:
// a message retried after a lost acknowledgement is stored once by the
// server. Queued messages are flushed strictly in order after every join,
// when the network comes back and when a rate-limit block ends.
//
//	msg, err := ch.Send(ctx, "Can you do 120 units?")
//	var blocked *ratelimit.BlockedError
//	if errors.As(err, &blocked) {
//	    fmt.Printf("wait %s\n", blocked.RetryAfter)
//	}
//
// # Proposals
//
// A proposal captures the transaction's current terms as the original
// values and the new terms as proposed. Only the counterparty may accept or
// reject it, and only while the transaction is negotiable. The local view
// changes when the server broadcasts the decision; on acceptance the
// proposal status and the transaction terms change together.
//
//	ch.Propose(ctx, messaging.Terms{Price: 9.50, Quantity: 120, DeliveryDate: due})
//	ch.AcceptProposal(ctx, proposalMessageID)
//
// # History
//
// After every join the latest page is merged. If it does not connect to
// the history already loaded, the loaded history is replaced and LoadMore
// walks backwards from the new page. LoadMore is a no-op while a page is
// loading or once the beginning of the channel was reached.
//
// # Deterministic Testing
//
// Every timer (backoff, typing expiry, rate-limit unblock, purge schedule)
// runs on an injectable clock.Clock. Tests combine clock.Manual with the
// in-memory hub of the testing package:
//
//	clk := clock.NewManual(start)
//	hub := sim.NewHub(clk)
//	options.Dialer = hub.Dialer()
//	options.Clock = clk
//
// # Thread Safety
//
// A Channel is safe for concurrent use. Callbacks run without internal
// locks held, on the goroutine that caused the change: the caller's for
// its own sends, the connection's event goroutine for pushes.
package tradechat
