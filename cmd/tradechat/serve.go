package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/tradechat/messaging"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeSimCommand(flags *globalFlags) *cobra.Command {
	var (
		listen string
		users  []string
		txs    []string
		quota  int
		window time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-sim",
		Short: "Run the in-memory negotiation server over websockets",
		Example: `  tradechat serve-sim --user buyer-token=buyer --user producer-token=producer \
    --tx tx-42:buyer:producer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			hub := sim.NewHub(nil)
			if quota > 0 || window > 0 {
				hub.SetQuota(quota, window)
			}
			for _, u := range users {
				token, userID, ok := strings.Cut(u, "=")
				if !ok || token == "" || userID == "" {
					return fmt.Errorf("--user %q: want token=userID", u)
				}
				hub.AddUser(token, userID)
			}
			for _, t := range txs {
				tx, err := parseTransaction(t)
				if err != nil {
					return err
				}
				hub.CreateTransaction(tx)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveHub(ctx, hub, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to listen on")
	cmd.Flags().StringArrayVar(&users, "user", nil, "token=userID, repeatable")
	cmd.Flags().StringArrayVar(&txs, "tx", nil, "id:buyerID:producerID[:price:quantity:YYYY-MM-DD], repeatable")
	cmd.Flags().IntVar(&quota, "quota", 0, "sends per window and party (default 10)")
	cmd.Flags().DurationVar(&window, "window", 0, "rate-limit window (default 60s)")
	return cmd
}

func serveHub(ctx context.Context, hub *sim.Hub, listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	logrus.WithFields(logrus.Fields{
		"function": "serveHub",
		"listen":   listen,
	}).Info("Simulation server listening on /ws")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.DropConnections()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseTransaction(s string) (messaging.Transaction, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 6 {
		return messaging.Transaction{}, fmt.Errorf("--tx %q: want id:buyer:producer[:price:quantity:date]", s)
	}
	tx := messaging.Transaction{
		ID:         parts[0],
		BuyerID:    parts[1],
		ProducerID: parts[2],
		Status:     messaging.TransactionPending,
		Terms: messaging.Terms{
			Price:        10,
			Quantity:     100,
			DeliveryDate: time.Now().AddDate(0, 1, 0).Truncate(24 * time.Hour),
		},
	}
	if len(parts) == 6 {
		terms, err := parseTerms(parts[3:])
		if err != nil {
			return messaging.Transaction{}, fmt.Errorf("--tx %q: %w", s, err)
		}
		tx.Terms = terms
	}
	return tx, nil
}
