package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/opd-ai/tradechat"
	"github.com/opd-ai/tradechat/factory"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/opd-ai/tradechat/ratelimit"
	"github.com/opd-ai/tradechat/session"
	"github.com/opd-ai/tradechat/typing"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

const chatHelp = `Commands:
  /propose <price> <quantity> <YYYY-MM-DD>   propose new terms
  /accept <id>                               accept a proposal
  /reject <id>                               reject a proposal
  /more                                      load older messages
  /read                                      mark all messages read
  /status                                    show connection and quota
  /quit                                      leave the channel
Anything else is sent as a message.`

func newChatCommand(flags *globalFlags) *cobra.Command {
	var channelID, token string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a negotiation channel interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv(factory.EnvPrefix + "TOKEN")
			}
			if channelID == "" || token == "" {
				return errors.New("--channel and --token (or TRADECHAT_TOKEN) are required")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, channelID, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "transaction id of the channel")
	cmd.Flags().StringVar(&token, "token", "", "access token")
	return cmd
}

func runChat(ctx context.Context, cfg *factory.Config, channelID string, tokens oauth2.TokenSource) error {
	f := factory.NewTransportFactory(cfg)
	dialer, err := f.CreateDialer(nil)
	if errors.Is(err, factory.ErrHubRequired) {
		return errors.New("simulation runs in its own process: start `tradechat serve-sim` and point server_url at it")
	}
	if err != nil {
		return err
	}
	storage, err := f.OpenQueueStorage()
	if err != nil {
		return err
	}
	monitor, stopMonitor := newMonitor(cfg)
	defer stopMonitor()
	collector, stopMetrics := startMetrics(cfg.MetricsAddr)
	defer stopMetrics()

	opts := channelOptions(cfg, channelID)
	opts.Dialer = dialer
	opts.Tokens = oauth2.ReuseTokenSource(nil, tokens)
	opts.Storage = storage
	opts.Monitor = monitor
	opts.Metrics = collector

	ch, err := tradechat.New(opts)
	if err != nil {
		storage.Close()
		return err
	}
	defer ch.Kill()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".tradechat_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Listener: readline.FuncListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
			if len(line) > 0 && line[0] != '/' && key != readline.CharEnter {
				ch.Keystroke()
			}
			return nil, 0, false
		}),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	view := &chatView{out: rl.Stdout(), ch: ch}
	view.attach()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ch.Open(ctx); err != nil {
		fmt.Fprintf(view.out, "! %v\n", err)
		var joinErr *session.JoinError
		if errors.As(err, &joinErr) {
			return err
		}
	}
	fmt.Fprintln(view.out, "Type /help for commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}
		if err := view.handle(ctx, input); err != nil {
			fmt.Fprintf(view.out, "! %v\n", err)
		}
	}
}

type chatView struct {
	out io.Writer
	ch  *tradechat.Channel
}

func (v *chatView) attach() {
	v.ch.OnMessage(func(m messaging.Message) {
		if m.Pending {
			fmt.Fprintf(v.out, "  (queued) %s\n", describe(m))
			return
		}
		fmt.Fprintf(v.out, "[%s] %s: %s\n", shortID(m.ID), m.SenderID, describe(m))
	})
	v.ch.OnHistory(func(added int) {
		fmt.Fprintf(v.out, "-- %s older messages loaded --\n", humanize.Comma(int64(added)))
	})
	v.ch.OnStatus(func(s session.Status) {
		fmt.Fprintf(v.out, "* %s\n", s)
	})
	v.ch.OnError(func(err error) {
		fmt.Fprintf(v.out, "! %v\n", err)
	})
	v.ch.OnProposalUpdate(func(m messaging.Message) {
		fmt.Fprintf(v.out, "* proposal %s %s\n", shortID(m.ID), m.Proposal.Status)
	})
	v.ch.OnTransactionUpdate(func(tx messaging.Transaction) {
		fmt.Fprintf(v.out, "* terms now %s\n", formatTerms(tx.Terms))
	})
	v.ch.OnTyping(func(typers []typing.Typer) {
		if len(typers) == 0 {
			return
		}
		names := make([]string, len(typers))
		for i, t := range typers {
			names[i] = t.Name
		}
		fmt.Fprintf(v.out, "* %s typing...\n", strings.Join(names, ", "))
	})
	v.ch.OnRateLimit(func(st ratelimit.State) {
		if st.Blocked {
			fmt.Fprintf(v.out, "* rate limited, sending resumes %s\n", humanize.Time(st.Until))
		}
	})
}

func (v *chatView) handle(ctx context.Context, input string) error {
	if !strings.HasPrefix(input, "/") {
		_, err := v.ch.Send(ctx, input)
		return err
	}

	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(v.out, chatHelp)
		return nil
	case "/propose":
		terms, err := parseTerms(fields[1:])
		if err != nil {
			return err
		}
		_, err = v.ch.Propose(ctx, terms)
		return err
	case "/accept", "/reject":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <id>", fields[0])
		}
		id, err := v.resolve(fields[1])
		if err != nil {
			return err
		}
		if fields[0] == "/accept" {
			return v.ch.AcceptProposal(ctx, id)
		}
		return v.ch.RejectProposal(ctx, id)
	case "/more":
		n, err := v.ch.LoadMore(ctx)
		if err == nil && n == 0 {
			fmt.Fprintln(v.out, "-- no older messages --")
		}
		return err
	case "/read":
		n, err := v.ch.MarkAsRead(ctx)
		if err == nil {
			fmt.Fprintf(v.out, "-- %d marked read --\n", n)
		}
		return err
	case "/status":
		v.printStatus()
		return nil
	}
	return fmt.Errorf("unknown command %s, try /help", fields[0])
}

// resolve expands a displayed id prefix to the full message id.
func (v *chatView) resolve(prefix string) (string, error) {
	var match string
	for _, m := range v.ch.Messages() {
		if strings.HasPrefix(m.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("id %s is ambiguous", prefix)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message with id %s", prefix)
	}
	return match, nil
}

func (v *chatView) printStatus() {
	st := v.ch.State()
	fmt.Fprintf(v.out, "status:   %s", st.Status)
	if st.Exhausted {
		fmt.Fprint(v.out, " (gave up reconnecting)")
	}
	fmt.Fprintln(v.out)
	fmt.Fprintf(v.out, "messages: %d loaded, %d queued, %d unread\n", len(st.Messages), st.Pending, st.Unread)
	fmt.Fprintf(v.out, "quota:    %d/%d", st.RateLimit.Remaining, st.RateLimit.Limit)
	if st.RateLimit.Blocked {
		fmt.Fprintf(v.out, ", blocked until %s", humanize.Time(st.RateLimit.Until))
	}
	fmt.Fprintln(v.out)
	if st.Transaction != nil {
		fmt.Fprintf(v.out, "terms:    %s (%s, updated %s)\n",
			formatTerms(st.Transaction.Terms), st.Transaction.Status, humanize.Time(st.Transaction.UpdatedAt))
	}
}

func parseTerms(args []string) (messaging.Terms, error) {
	if len(args) != 3 {
		return messaging.Terms{}, errors.New("usage: /propose <price> <quantity> <YYYY-MM-DD>")
	}
	price, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return messaging.Terms{}, fmt.Errorf("price: %w", err)
	}
	qty, err := strconv.Atoi(args[1])
	if err != nil {
		return messaging.Terms{}, fmt.Errorf("quantity: %w", err)
	}
	date, err := time.Parse("2006-01-02", args[2])
	if err != nil {
		return messaging.Terms{}, fmt.Errorf("delivery date: %w", err)
	}
	terms := messaging.Terms{Price: price, Quantity: qty, DeliveryDate: date}
	return terms, terms.Validate()
}

func formatTerms(t messaging.Terms) string {
	return fmt.Sprintf("%.2f x %s, delivery %s", t.Price, humanize.Comma(int64(t.Quantity)), t.DeliveryDate.Format("2006-01-02"))
}

func describe(m messaging.Message) string {
	if m.Kind != messaging.KindProposal || m.Proposal == nil {
		return m.Text
	}
	return fmt.Sprintf("proposes %s (was %s) [%s]", formatTerms(m.Proposal.Proposed), formatTerms(m.Proposal.Original), m.Proposal.Status)
}

func shortID(id string) string {
	if strings.HasPrefix(id, messaging.TempIDPrefix) || len(id) <= 8 {
		return id
	}
	return id[:8]
}
