package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/subagent"
	"github.com/haasonsaas/anvil/internal/ui"
)

// buildWorkerCmd creates the hidden agent-worker command. The sub-agent
// manager spawns it; it is not meant to be typed by hand.
func buildWorkerCmd() *cobra.Command {
	var sessionID, agentID, task, model string
	var persistent bool

	cmd := &cobra.Command{
		Use:    "agent-worker",
		Short:  "Run as a spawned sub-agent worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" || agentID == "" || task == "" {
				return &usageError{errors.New("agent-worker requires --session, --agent-id, and --task")}
			}
			return runWorker(cmd.Context(), sessionID, agentID, task, model, persistent)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Parent session id")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Assigned agent id")
	cmd.Flags().StringVar(&task, "task", "", "Initial task")
	cmd.Flags().StringVar(&model, "model", "", "Model id override")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Stay alive for follow-up tasks")
	return cmd
}

// runWorker assembles a worker-side runtime and hands control to the
// worker loop: register with the broker, run the task, and for
// persistent workers service the inbox until stopped.
func runWorker(ctx context.Context, sessionID, agentID, task, model string, persistent bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, replOptions{model: model})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.attachSession(sessionID, agentID); err != nil {
		return err
	}
	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithAgentID(ctx, agentID)

	// Workers keep their own history; coordination with the parent goes
	// through the broker, not a shared transcript.
	session, err := rt.store.Create(rt.workDir)
	if err != nil {
		return fmt.Errorf("create worker session: %w", err)
	}
	tc := rt.toolContext(session, ui.Nop{}, agentID)
	if tc.Broker == nil {
		return fmt.Errorf("broker unreachable for session %s", sessionID)
	}

	loop := &subagent.Loop{
		Broker:     rt.brokerCli,
		Task:       task,
		Persistent: persistent,
		Logger:     rt.logger,
		Handler: func(ctx context.Context, task string) (string, error) {
			return rt.orch.Run(ctx, tc, task)
		},
	}
	return loop.Run(ctx)
}
