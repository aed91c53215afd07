package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// staticInstructions is the assistant preamble. It never changes
// mid-session; keeping it (and the tool menu that follows) byte-stable
// across turns keeps the provider's prompt cache warm.
const staticInstructions = `You are anvil, a terminal-based AI coding assistant. You execute tools
against the user's workspace to read, modify, build, and test code.

Rules:
- Use the todo tool to plan multi-step tasks and track progress.
- Prefer small, verifiable steps; read before you write.
- Use apply_patch for multi-hunk edits, replace_string for point edits.
- Run commands through the terminal tool; validate risky commands first.
- When output is replaced by a stored-result marker, page it with
  read_tool_result instead of re-running the command.
- Record durable findings with the memory tool so future sessions
  benefit.
- If you are unsure what the user wants, call the collaboration tool with
  operation=request_input rather than guessing.`

// subAgentPreamble replaces interactive behavior for spawned workers.
const subAgentPreamble = `You are running as an autonomous sub-agent. There is no interactive user
on the other end: never call the collaboration tool to ask for input.
Work the task to completion with the tools available, report findings via
the subagent tool's send/broadcast operations, and finish with a clear
summary of what you did.`

// ltmSectionMax is the number of long-term memory entries rendered.
const ltmSectionMax = 8

// PromptSpec carries the per-session inputs to system prompt assembly.
type PromptSpec struct {
	WorkDir    string
	IsSubAgent bool
	// ToolMenu lines come from the registry: name plus description only,
	// not full schemas.
	ToolMenu []string
	// LTM holds the top entries by confidence×recency.
	LTM []models.LTMEntry
	// Facts are the session's STM facts.
	Facts []string
}

// BuildSystemPrompt assembles the system prompt: static instructions,
// tool menu, long-term memory section, session facts, then working
// directory and date. The static prefix stays stable; volatile parts come
// last.
func BuildSystemPrompt(spec PromptSpec) string {
	var b strings.Builder
	b.WriteString(staticInstructions)
	b.WriteString("\n\n")

	if spec.IsSubAgent {
		b.WriteString(subAgentPreamble)
		b.WriteString("\n\n")
	}

	if len(spec.ToolMenu) > 0 {
		b.WriteString("Available tools:\n")
		for _, line := range spec.ToolMenu {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(spec.LTM) > 0 {
		b.WriteString("Project knowledge from previous sessions:\n")
		n := len(spec.LTM)
		if n > ltmSectionMax {
			n = ltmSectionMax
		}
		for _, e := range spec.LTM[:n] {
			fmt.Fprintf(&b, "- [%s] %s\n", e.Kind, e.Content)
		}
		b.WriteString("\n")
	}

	if len(spec.Facts) > 0 {
		b.WriteString("Session notes:\n")
		for _, f := range spec.Facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Working directory: %s\n", spec.WorkDir)
	fmt.Fprintf(&b, "Date: %s\n", time.Now().Format("2006-01-02"))
	return b.String()
}

// ToolMenu renders the registry's tools as one-line menu entries.
func ToolMenu(reg *Registry) []string {
	tools := reg.List()
	menu := make([]string, 0, len(tools))
	for _, t := range tools {
		ops := strings.Join(t.Operations(), ", ")
		menu = append(menu, fmt.Sprintf("%s: %s (operations: %s)", t.Name(), t.Description(), ops))
	}
	return menu
}
