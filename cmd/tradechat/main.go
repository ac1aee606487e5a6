// Command tradechat is a terminal client and test server for transaction
// negotiation channels.
//
// Usage:
//
//	tradechat chat --channel tx-42 --token $TOKEN
//	tradechat serve-sim --listen :8080 --user buyer-token=buyer --tx tx-42:buyer:producer
//	tradechat demo
//	tradechat queue list --channel tx-42
//	tradechat queue purge --older-than 24h
//
// Configuration is read from an optional YAML file, then TRADECHAT_*
// environment variables. A .env file in the working directory is loaded
// first.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath  string
	envFile     string
	logLevel    string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "tradechat",
		Short:         "Negotiation channel client for buyer/producer transactions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env file is not an error.
			if err := godotenv.Load(flags.envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", flags.envFile, err)
			}
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (overrides config)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	cmd.AddCommand(
		newChatCommand(flags),
		newServeSimCommand(flags),
		newDemoCommand(flags),
		newQueueCommand(flags),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
