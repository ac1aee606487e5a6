package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/tradechat"
	"github.com/opd-ai/tradechat/factory"
	"github.com/opd-ai/tradechat/messaging"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newDemoCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted buyer/producer negotiation against the in-memory server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return runDemo(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func runDemo(ctx context.Context, cfg *factory.Config, out io.Writer) error {
	hub := sim.NewHub(nil)
	hub.AddUser("buyer-token", "buyer")
	hub.AddUser("producer-token", "producer")
	hub.CreateTransaction(messaging.Transaction{
		ID:         "tx-demo",
		BuyerID:    "buyer",
		ProducerID: "producer",
		Status:     messaging.TransactionPending,
		Terms: messaging.Terms{
			Price:        10.00,
			Quantity:     100,
			DeliveryDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		},
	})

	f := factory.NewTransportFactory(cfg)
	f.SwitchToSimulation()
	open := func(token string) (*tradechat.Channel, error) {
		dialer, err := f.CreateDialer(hub)
		if err != nil {
			return nil, err
		}
		opts := channelOptions(cfg, "tx-demo")
		opts.Dialer = dialer
		opts.Tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		opts.PurgeSchedule = ""
		ch, err := tradechat.New(opts)
		if err != nil {
			return nil, err
		}
		if err := ch.Open(ctx); err != nil {
			ch.Kill()
			return nil, err
		}
		return ch, nil
	}

	buyer, err := open("buyer-token")
	if err != nil {
		return err
	}
	defer buyer.Kill()
	producer, err := open("producer-token")
	if err != nil {
		return err
	}
	defer producer.Kill()

	proposals := make(chan messaging.Message, 1)
	producer.OnMessage(func(m messaging.Message) {
		if m.Kind == messaging.KindProposal && !m.Pending && m.SenderID == "buyer" {
			select {
			case proposals <- m:
			default:
			}
		}
	})
	settled := make(chan messaging.Transaction, 1)
	buyer.OnTransactionUpdate(func(tx messaging.Transaction) {
		select {
		case settled <- tx:
		default:
		}
	})

	if _, err := buyer.Send(ctx, "Hi! Could you deliver 120 units a bit later?"); err != nil {
		return err
	}
	if _, err := producer.Send(ctx, "Sure, send me a proposal."); err != nil {
		return err
	}
	if _, err := buyer.Propose(ctx, messaging.Terms{
		Price:        9.50,
		Quantity:     120,
		DeliveryDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		return err
	}

	var p messaging.Message
	select {
	case p = <-proposals:
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Fprintf(out, "producer received: %s\n", describe(p))
	if err := producer.AcceptProposal(ctx, p.ID); err != nil {
		return err
	}

	select {
	case tx := <-settled:
		fmt.Fprintf(out, "agreed terms: %s\n", formatTerms(tx.Terms))
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Fprintln(out, "transcript:")
	for _, m := range buyer.Messages() {
		fmt.Fprintf(out, "  %-8s %s\n", m.SenderID, describe(m))
	}
	return nil
}
