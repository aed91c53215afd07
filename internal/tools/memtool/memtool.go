// Package memtool implements the memory tool: the project key/value
// store, long-term memory verbs, session-scoped facts, and
// cross-session recall.
package memtool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/memory"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/pkg/models"
)

const (
	toolName = "memory"

	// maxFacts bounds Session.STM.Facts; the oldest fact rolls off.
	maxFacts = 50
)

var operations = []string{
	"set", "get", "list", "delete",
	"add_discovery", "add_solution", "add_pattern",
	"prune_ltm", "ltm_stats", "recall_sessions", "remember_fact",
}

// Tool is the memory implementation.
type Tool struct{}

// New returns the memory tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Project memory: key/value storage, long-term memory entries " +
		"(discoveries, solutions, patterns) with pruning and stats, " +
		"session facts for the system prompt, and text search over " +
		"past sessions."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"key":          map[string]any{"type": "string", "description": "Memory key (set/get/delete)"},
		"value":        map[string]any{"type": "string", "description": "Value to store"},
		"content":      map[string]any{"type": "string", "description": "LTM entry content or fact text"},
		"confidence":   map[string]any{"type": "number", "description": "LTM entry confidence in [0,1], default 0.8"},
		"examples":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Concrete examples supporting an LTM entry"},
		"query":        map[string]any{"type": "string", "description": "Text to search past sessions for"},
		"max_sessions": map[string]any{"type": "integer", "description": "Session files to scan, newest first"},
		"max_results":  map[string]any{"type": "integer", "description": "Total recall hits returned"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}

	switch op {
	case "set", "get", "list", "delete":
		if tc.Memory == nil {
			return agent.Fail(toolName, agent.ToolErrorExecution, "memory store unavailable"), nil
		}
		return t.keyValue(tc.Memory, op, args), nil
	case "add_discovery":
		return t.addLTM(tc, models.LTMDiscovery, args), nil
	case "add_solution":
		return t.addLTM(tc, models.LTMSolution, args), nil
	case "add_pattern":
		return t.addLTM(tc, models.LTMPattern, args), nil
	case "prune_ltm":
		return t.pruneLTM(tc), nil
	case "ltm_stats":
		return t.ltmStats(tc), nil
	case "recall_sessions":
		return t.recall(tc, args), nil
	case "remember_fact":
		return t.rememberFact(tc, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) keyValue(store *memory.Store, op string, args map[string]any) *agent.ToolResult {
	key := strings.TrimSpace(agent.StringArg(args, "key"))
	if op != "list" && key == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "%s requires a 'key'", op)
	}

	switch op {
	case "set":
		value := agent.StringArg(args, "value")
		if value == "" {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "set requires a 'value'")
		}
		if err := store.Set(key, value); err != nil {
			return agent.Fail(toolName, agent.ToolErrorExecution, "set %s: %v", key, err)
		}
		return agent.Ok(toolName, fmt.Sprintf("Stored %q.", key)).WithAction("memory set %s", key)
	case "get":
		value, err := store.Get(key)
		if errors.Is(err, memory.ErrKeyNotFound) {
			return agent.Fail(toolName, agent.ToolErrorNotFound, "no memory under key %q", key)
		}
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorExecution, "get %s: %v", key, err)
		}
		return agent.Ok(toolName, value).WithAction("memory get %s", key)
	case "list":
		keys, err := store.List()
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorExecution, "list keys: %v", err)
		}
		if len(keys) == 0 {
			return agent.Ok(toolName, "No memory keys stored.")
		}
		sort.Strings(keys)
		return agent.Ok(toolName, strings.Join(keys, "\n")).WithAction("memory list (%d keys)", len(keys))
	case "delete":
		if err := store.Delete(key); err != nil {
			if errors.Is(err, memory.ErrKeyNotFound) {
				return agent.Fail(toolName, agent.ToolErrorNotFound, "no memory under key %q", key)
			}
			return agent.Fail(toolName, agent.ToolErrorExecution, "delete %s: %v", key, err)
		}
		return agent.Ok(toolName, fmt.Sprintf("Deleted %q.", key)).WithAction("memory delete %s", key)
	}
	return agent.UnknownOperation(t, op)
}

func (t *Tool) addLTM(tc *agent.ToolContext, kind models.LTMKind, args map[string]any) *agent.ToolResult {
	if tc.LTM == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "long-term memory unavailable")
	}
	content := strings.TrimSpace(agent.StringArg(args, "content"))
	if content == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "add_%s requires 'content'", kind)
	}
	confidence := floatArg(args, "confidence", 0.8)
	var examples []string
	if raw, ok := args["examples"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				examples = append(examples, s)
			}
		}
	}
	if err := tc.LTM.Add(kind, content, confidence, examples); err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "add %s: %v", kind, err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Recorded %s (confidence %.2f).", kind, confidence)).
		WithAction("ltm add %s", kind)
}

func (t *Tool) pruneLTM(tc *agent.ToolContext) *agent.ToolResult {
	if tc.LTM == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "long-term memory unavailable")
	}
	report, err := tc.LTM.Prune()
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "prune: %v", err)
	}
	return agent.Ok(toolName, "").MarshalOutput(report).WithAction("ltm prune: removed %d, %d remain", report.Removed, report.Remaining)
}

func (t *Tool) ltmStats(tc *agent.ToolContext) *agent.ToolResult {
	if tc.LTM == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "long-term memory unavailable")
	}
	stats, err := tc.LTM.Stats()
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "stats: %v", err)
	}
	return agent.Ok(toolName, "").MarshalOutput(stats).WithAction("ltm stats")
}

func (t *Tool) recall(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	if tc.Sessions == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "session store unavailable")
	}
	query := strings.TrimSpace(agent.StringArg(args, "query"))
	if query == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "recall_sessions requires a 'query'")
	}
	matches, err := tc.Sessions.RecallSessions(query,
		agent.IntArg(args, "max_sessions", sessions.DefaultRecallSessions),
		agent.IntArg(args, "max_results", sessions.DefaultRecallResults))
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "recall: %v", err)
	}
	if len(matches) == 0 {
		return agent.Ok(toolName, fmt.Sprintf("No past-session matches for %q.", query))
	}
	return agent.Ok(toolName, "").MarshalOutput(matches).
		WithAction("recalled %d match(es) for %q", len(matches), query)
}

// rememberFact appends a session-scoped note that the prompt builder
// renders into the system prompt on every turn.
func (t *Tool) rememberFact(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	if tc.Session == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "no active session")
	}
	fact := strings.TrimSpace(agent.StringArg(args, "content"))
	if fact == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "remember_fact requires 'content'")
	}
	facts := append(tc.Session.STM.Facts, fact)
	if len(facts) > maxFacts {
		facts = facts[len(facts)-maxFacts:]
	}
	tc.Session.STM.Facts = facts
	return agent.Ok(toolName, fmt.Sprintf("Noted (%d fact(s) active).", len(facts))).
		WithAction("remember fact")
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
