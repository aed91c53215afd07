// Package ui defines the narrow surface the agent runtime uses to talk to
// whoever is watching: a terminal for the interactive agent, the broker
// for sub-agents, or a log file for remote runs. The runtime never prints
// directly.
package ui

import (
	"context"
)

// Sink receives user-facing output from the orchestrator and executor.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Stream receives assistant text deltas as they arrive.
	Stream(delta string)

	// Notice shows an out-of-band runtime message (rate-limit countdowns,
	// interrupt acknowledgements, degraded-coordination warnings).
	Notice(msg string)

	// Action shows a one-line description of a tool action.
	Action(desc string)

	// ErrorMsg shows the actual text of a failure. Never a generic
	// placeholder: the user sees what went wrong.
	ErrorMsg(msg string)

	// RequestInput blocks until the user answers prompt, or ctx expires.
	RequestInput(ctx context.Context, prompt string) (string, error)
}

// Nop is a Sink that discards everything. RequestInput fails immediately,
// which is the correct behavior for contexts with nobody to ask.
type Nop struct{}

func (Nop) Stream(string)   {}
func (Nop) Notice(string)   {}
func (Nop) Action(string)   {}
func (Nop) ErrorMsg(string) {}

func (Nop) RequestInput(ctx context.Context, prompt string) (string, error) {
	return "", ErrNoInteractive
}
