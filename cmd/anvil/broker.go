package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/broker"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/observability"
)

// buildBrokerCmd creates the hidden broker command: the per-session
// coordination daemon, spawned on demand when the first worker starts.
func buildBrokerCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:    "broker",
		Short:  "Run the per-session coordination broker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return &usageError{errors.New("broker requires --session")}
			}

			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(config.ConfigPath(workDir))
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := broker.NewServer(sessionID, logger, observability.NewMetrics())
			defer server.Close()
			return server.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to serve")
	return cmd
}
