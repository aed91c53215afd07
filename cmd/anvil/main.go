// Package main provides the CLI entry point for the anvil coding agent.
//
// Anvil is a terminal-based AI coding assistant: a conversation loop that
// plans with an LLM provider and acts through tools (terminal, git,
// patches, memory, sub-agents, remote devices).
//
// # Basic Usage
//
// Start an interactive session in the current project:
//
//	anvil
//
// Resume a previous session:
//
//	anvil --resume <session-id>
//
// Run one task non-interactively:
//
//	anvil --input "summarize the failing tests" --exit
//
// Manage remote devices:
//
//	anvil devices add pi pi@10.0.0.5
//	anvil devices list
//
// # Environment Variables
//
//   - ANVIL_CONFIG: configuration file path (default: .anvil/config.json5)
//   - ANVIL_DEBUG: force debug logging
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: provider keys
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// usageError marks argument problems so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anvil:", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var opts replOptions

	rootCmd := &cobra.Command{
		Use:   "anvil",
		Short: "Anvil - terminal AI coding agent",
		Long: `Anvil is a terminal-based AI coding assistant. It keeps per-project
state under .anvil/, persists sessions and memory across runs, and can
fan work out to sub-agents and remote devices.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{fmt.Errorf("unexpected argument %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.oneShot && opts.input == "" {
				return &usageError{errors.New("--exit requires --input")}
			}
			return runAgent(cmd.Context(), opts)
		},
	}
	rootCmd.Flags().StringVar(&opts.resume, "resume", "", "Resume a session by id (or 'latest')")
	rootCmd.Flags().StringVar(&opts.input, "input", "", "Run this input instead of reading the terminal")
	rootCmd.Flags().BoolVar(&opts.oneShot, "exit", false, "Exit after the first turn (requires --input)")
	rootCmd.Flags().StringVar(&opts.configPath, "config", "", "Configuration file path")
	rootCmd.Flags().StringVar(&opts.model, "model", "", "Model id override")
	rootCmd.Flags().StringVar(&opts.workDir, "workdir", "", "Project directory (default: current directory)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	rootCmd.AddCommand(
		buildDevicesCmd(),
		buildWorkerCmd(),
		buildBrokerCmd(),
	)
	return rootCmd
}

// exactArgs is cobra.ExactArgs with usage-error exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}
