package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/factory"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTerms(t *testing.T) {
	terms, err := parseTerms([]string{"9.50", "120", "2026-01-15"})
	require.NoError(t, err)
	assert.Equal(t, 9.5, terms.Price)
	assert.Equal(t, 120, terms.Quantity)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), terms.DeliveryDate)

	for _, args := range [][]string{
		{"9.50", "120"},
		{"abc", "120", "2026-01-15"},
		{"9.50", "many", "2026-01-15"},
		{"9.50", "120", "15/01/2026"},
		{"-1", "120", "2026-01-15"},
	} {
		_, err := parseTerms(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestParseTransaction(t *testing.T) {
	tx, err := parseTransaction("tx-42:buyer:producer")
	require.NoError(t, err)
	assert.Equal(t, "tx-42", tx.ID)
	assert.Equal(t, "buyer", tx.BuyerID)
	assert.Equal(t, "producer", tx.ProducerID)
	assert.Equal(t, messaging.TransactionPending, tx.Status)

	tx, err = parseTransaction("tx-7:b:p:12.25:40:2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 12.25, tx.Terms.Price)
	assert.Equal(t, 40, tx.Terms.Quantity)

	_, err = parseTransaction("tx-7:b")
	assert.Error(t, err)
	_, err = parseTransaction("tx-7:b:p:x:40:2026-03-01")
	assert.Error(t, err)
}

func TestPrintEntries(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printEntries(&out, nil))
	assert.Equal(t, "queue is empty\n", out.String())

	out.Reset()
	require.NoError(t, printEntries(&out, []queue.Entry{
		{ID: "0f8e2c7a-aaaa", ChannelID: "tx-1", Kind: messaging.KindText, Text: "hello", CreatedAt: time.Now(), Retries: 2},
	}))
	assert.Contains(t, out.String(), "0f8e2c7a")
	assert.Contains(t, out.String(), "hello")
}

func TestDemoReachesAgreement(t *testing.T) {
	cfg := factory.DefaultConfig()
	cfg.PurgeSchedule = ""

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, cfg, &out))
	assert.Contains(t, out.String(), "agreed terms: 9.50 x 120, delivery 2026-01-15")
	assert.Contains(t, out.String(), "Sure, send me a proposal.")
}
