package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent/providers"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Compaction defaults. Sizing is estimated in characters: providers bill
// tokens, but a character budget needs no tokenizer dependency and errs
// on the safe side at roughly 3-4 chars per token.
const (
	// DefaultContextBudget is the prompt character budget.
	DefaultContextBudget = 600_000

	// compactionThresholdPct triggers folding at this usage percentage.
	compactionThresholdPct = 80

	// compactionKeepTurns is the minimum count of recent messages kept
	// verbatim.
	compactionKeepTurns = 10
)

// summaryPrompt asks the provider to fold old turns into the STM summary.
const summaryPrompt = `Summarize the following conversation excerpt for your own future
reference. Preserve: what the user asked for, decisions made, files
created or modified and how, commands run and their outcomes, and any
unresolved problems. Be dense and factual; no preamble.`

// Compactor folds the oldest completed turns into the session's STM
// summary when the prompt would exceed its budget.
type Compactor struct {
	provider providers.Provider
	model    string
	budget   int
}

// NewCompactor creates a compactor using the given provider for the
// summarization call. budget <= 0 selects the default.
func NewCompactor(provider providers.Provider, model string, budget int) *Compactor {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	return &Compactor{provider: provider, model: model, budget: budget}
}

// promptSize estimates the prompt cost of a message list in characters.
func promptSize(system string, msgs []models.Message) int {
	size := len(system)
	for _, m := range msgs {
		size += len(m.Content) + 64 // per-message framing overhead
		for _, tc := range m.ToolCalls {
			size += len(tc.Name) + len(tc.Arguments)
		}
	}
	return size
}

// MaybeCompact checks usage and, when at or past the threshold, folds the
// oldest completed turns into session.STM.Summary with one summarization
// call. The current turn is never folded. Reports whether a compaction
// ran.
func (c *Compactor) MaybeCompact(ctx context.Context, session *models.Session, system string, turnStart int) (bool, error) {
	if c == nil || c.provider == nil {
		return false, nil
	}
	live := session.History[session.STM.CompactedThrough:]
	usage := promptSize(system+session.STM.Summary, live)
	if usage*100 < c.budget*compactionThresholdPct {
		return false, nil
	}

	// Fold everything before the cut point, which must land on a turn
	// boundary (never splitting an assistant/tool group) and must leave
	// the current turn plus a tail of recent context intact.
	limit := turnStart
	if keep := len(session.History) - compactionKeepTurns; keep < limit {
		limit = keep
	}
	cut := turnBoundaryBefore(session.History, limit)
	if cut <= session.STM.CompactedThrough {
		return false, nil
	}

	folded := session.History[session.STM.CompactedThrough:cut]
	summary, err := c.summarize(ctx, session.STM.Summary, folded)
	if err != nil {
		return false, fmt.Errorf("compaction summarization: %w", err)
	}

	session.STM.Summary = summary
	session.STM.CompactedThrough = cut
	return true, nil
}

// LiveHistory returns the messages to send: the summary (as a system-role
// preface) plus everything after the compaction point.
func LiveHistory(session *models.Session) []models.Message {
	live := session.History[session.STM.CompactedThrough:]
	if session.STM.Summary == "" {
		return live
	}
	out := make([]models.Message, 0, len(live)+1)
	out = append(out, models.Message{
		Role:    models.RoleSystem,
		Content: "Summary of earlier conversation:\n" + session.STM.Summary,
	})
	return append(out, live...)
}

// summarize runs the folding call against the provider.
func (c *Compactor) summarize(ctx context.Context, previous string, folded []models.Message) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\nNew conversation to fold in:\n")
	}
	for _, m := range folded {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "USER: %s\n", m.Content)
		case models.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "ASSISTANT: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "ASSISTANT called %s(%s)\n", tc.Name, truncate(tc.Arguments, 200))
			}
		case models.RoleTool:
			fmt.Fprintf(&b, "TOOL RESULT: %s\n", truncate(m.Content, 400))
		}
	}

	resp, err := c.provider.Complete(ctx, &providers.Request{
		Model:  c.model,
		System: summaryPrompt,
		Messages: []models.Message{
			models.NewUserMessage(b.String()),
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// turnBoundaryBefore finds the largest index <= limit that does not split
// an assistant/tool group: the message at the boundary must not be a tool
// message, and the message before it must not be an assistant message
// with unanswered tool calls.
func turnBoundaryBefore(history []models.Message, limit int) int {
	if limit > len(history) {
		limit = len(history)
	}
	for i := limit; i > 0; i-- {
		if history[i-1].Role == models.RoleAssistant && len(history[i-1].ToolCalls) > 0 {
			continue // folding here would strand the group's tool messages
		}
		if i < len(history) && history[i].Role == models.RoleTool {
			continue
		}
		return i
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
