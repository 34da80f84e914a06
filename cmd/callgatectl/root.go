package main

import (
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type cliOptions struct {
	url     string
	token   string
	timeout time.Duration
	json    bool
}

func (o *cliOptions) client() *apiClient {
	return &apiClient{
		base:  o.url,
		token: o.token,
		http:  &http.Client{Timeout: o.timeout},
	}
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "callgatectl",
		Short:         "Operator CLI for the callgate admission engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.url, "url", envDefault("CALLGATE_URL", "http://localhost:8080"), "callgate base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CALLGATE_TOKEN"), "Operator bearer token")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newOverviewCommand(opts))
	rootCmd.AddCommand(newStoreCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newHangupCommand(opts))
	rootCmd.AddCommand(newClearQueueCommand(opts))
	rootCmd.AddCommand(newTransferCommand(opts))
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
