package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opd-ai/tradechat/factory"
	"github.com/opd-ai/tradechat/queue"
	"github.com/spf13/cobra"
)

func newQueueCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the offline send queue",
	}
	cmd.AddCommand(newQueueListCommand(flags), newQueuePurgeCommand(flags))
	return cmd
}

func newQueueListCommand(flags *globalFlags) *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channelID == "" {
				return errors.New("--channel is required")
			}
			q, err := openQueue(flags)
			if err != nil {
				return err
			}
			defer q.Close()
			return printEntries(cmd.OutOrStdout(), q.Entries(channelID))
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "transaction id of the channel")
	return cmd
}

func newQueuePurgeCommand(flags *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete queued messages older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.QueueMaxAge
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}
			q, err := newQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()
			purged, err := q.PurgeOlderThan(olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d queued message(s)\n", len(purged))
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default queue_max_age)")
	return cmd
}

func openQueue(flags *globalFlags) (*queue.Queue, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return newQueue(cfg)
}

func newQueue(cfg *factory.Config) (*queue.Queue, error) {
	if cfg.QueueDir == "" {
		return nil, errors.New("queue_dir is not configured, the queue only lives in memory")
	}
	storage, err := factory.NewTransportFactory(cfg).OpenQueueStorage()
	if err != nil {
		return nil, err
	}
	q, err := queue.New(storage, nil)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return q, nil
}

func printEntries(out io.Writer, entries []queue.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tQUEUED\tRETRIES\tCONTENT")
	for _, e := range entries {
		content := e.Text
		if e.Proposal != nil {
			content = formatTerms(e.Proposal.Proposed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", shortID(e.ID), e.Kind, humanize.Time(e.CreatedAt), e.Retries, content)
	}
	return w.Flush()
}
