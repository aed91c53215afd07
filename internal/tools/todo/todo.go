// Package todo implements the todo tool: the session's tracked work
// items, validated against the list invariants on every write.
package todo

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

const toolName = "todo"

var operations = []string{"read", "write", "update", "add"}

// Tool is the todo implementation. Todos live on the session record and
// persist with it; there is no separate store.
type Tool struct{}

// New returns the todo tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Track multi-step work as todo items on the session. write " +
		"replaces the whole list, add appends one item, update changes " +
		"one item's fields. Every mutation is validated: unique ids, at " +
		"most one in-progress, blocked items need a reason, dependencies " +
		"form a DAG."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	todoSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":             map[string]any{"type": "integer"},
			"title":          map[string]any{"type": "string"},
			"description":    map[string]any{"type": "string"},
			"status":         map[string]any{"type": "string", "enum": []string{"not-started", "in-progress", "completed", "blocked"}},
			"priority":       map[string]any{"type": "string"},
			"dependencies":   map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"progress":       map[string]any{"type": "number"},
			"blocked_reason": map[string]any{"type": "string"},
		},
	}
	return agent.OperationSchema(operations, map[string]any{
		"todos":          map[string]any{"type": "array", "items": todoSchema, "description": "Full list for write"},
		"id":             map[string]any{"type": "integer", "description": "Item to update"},
		"title":          map[string]any{"type": "string", "description": "Title for add/update"},
		"description":    map[string]any{"type": "string", "description": "Detail for add/update"},
		"status":         map[string]any{"type": "string", "description": "not-started, in-progress, completed, or blocked"},
		"priority":       map[string]any{"type": "string", "description": "Free-form priority label"},
		"dependencies":   map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Ids this item waits on"},
		"progress":       map[string]any{"type": "number", "description": "Fraction complete in [0,1]"},
		"blocked_reason": map[string]any{"type": "string", "description": "Required when status is blocked"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	if tc.Session == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "no active session"), nil
	}

	switch op {
	case "read":
		return t.read(tc), nil
	case "write":
		return t.write(tc, args), nil
	case "update":
		return t.update(tc, args), nil
	case "add":
		return t.add(tc, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) read(tc *agent.ToolContext) *agent.ToolResult {
	if len(tc.Session.Todos) == 0 {
		return agent.Ok(toolName, "No todos.")
	}
	return agent.Ok(toolName, renderTodos(tc.Session.Todos)).
		WithMeta("count", len(tc.Session.Todos))
}

// write replaces the whole list. The incoming list is validated before
// the session changes; a bad list leaves the old one in place.
func (t *Tool) write(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	raw, ok := args["todos"].([]any)
	if !ok {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "write requires a 'todos' array")
	}
	todos := make([]models.Todo, 0, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "todos[%d] is not an object", i)
		}
		todo := models.Todo{Status: models.TodoNotStarted}
		applyFields(&todo, fields)
		if todo.ID == 0 {
			todo.ID = i + 1
		}
		todos = append(todos, todo)
	}
	if err := models.ValidateTodos(todos); err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "invalid todo list: %v", err)
	}
	tc.Session.Todos = todos
	return agent.Ok(toolName, renderTodos(todos)).
		WithAction("todo write (%d items)", len(todos))
}

func (t *Tool) add(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	title := strings.TrimSpace(agent.StringArg(args, "title"))
	if title == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "add requires a 'title'")
	}
	next := 1
	for _, existing := range tc.Session.Todos {
		if existing.ID >= next {
			next = existing.ID + 1
		}
	}
	todo := models.Todo{ID: next, Status: models.TodoNotStarted}
	applyFields(&todo, args)
	todo.ID = next
	todo.Title = title

	candidate := append(append([]models.Todo(nil), tc.Session.Todos...), todo)
	if err := models.ValidateTodos(candidate); err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "invalid todo: %v", err)
	}
	tc.Session.Todos = candidate
	return agent.Ok(toolName, renderTodos(candidate)).
		WithAction("todo add #%d %s", todo.ID, title)
}

func (t *Tool) update(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	id := agent.IntArg(args, "id", 0)
	if id < 1 {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "update requires an 'id'")
	}
	candidate := append([]models.Todo(nil), tc.Session.Todos...)
	idx := -1
	for i := range candidate {
		if candidate[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return agent.Fail(toolName, agent.ToolErrorNotFound, "no todo with id %d", id)
	}
	applyFields(&candidate[idx], args)
	candidate[idx].ID = id
	if err := models.ValidateTodos(candidate); err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "invalid update: %v", err)
	}
	tc.Session.Todos = candidate
	return agent.Ok(toolName, renderTodos(candidate)).
		WithAction("todo update #%d", id)
}

// applyFields copies recognized keys onto a todo, leaving absent keys
// untouched so update can patch single fields.
func applyFields(todo *models.Todo, fields map[string]any) {
	if _, ok := fields["id"]; ok {
		todo.ID = agent.IntArg(fields, "id", todo.ID)
	}
	if _, ok := fields["title"]; ok {
		todo.Title = agent.StringArg(fields, "title")
	}
	if _, ok := fields["description"]; ok {
		todo.Description = agent.StringArg(fields, "description")
	}
	if _, ok := fields["status"]; ok {
		todo.Status = models.TodoStatus(agent.StringArg(fields, "status"))
	}
	if _, ok := fields["priority"]; ok {
		todo.Priority = agent.StringArg(fields, "priority")
	}
	if _, ok := fields["blocked_reason"]; ok {
		todo.BlockedReason = agent.StringArg(fields, "blocked_reason")
	}
	if raw, ok := fields["dependencies"].([]any); ok {
		deps := make([]int, 0, len(raw))
		for _, d := range raw {
			if f, ok := d.(float64); ok {
				deps = append(deps, int(f))
			} else if n, ok := d.(int); ok {
				deps = append(deps, n)
			}
		}
		todo.Dependencies = deps
	}
	if v, ok := fields["progress"].(float64); ok {
		todo.Progress = &v
	}
}

var statusGlyphs = map[models.TodoStatus]string{
	models.TodoNotStarted: "[ ]",
	models.TodoInProgress: "[>]",
	models.TodoCompleted:  "[x]",
	models.TodoBlocked:    "[!]",
}

func renderTodos(todos []models.Todo) string {
	var b strings.Builder
	for _, todo := range todos {
		fmt.Fprintf(&b, "%s #%d %s", statusGlyphs[todo.Status], todo.ID, todo.Title)
		if todo.Priority != "" {
			fmt.Fprintf(&b, " (%s)", todo.Priority)
		}
		if todo.Progress != nil {
			fmt.Fprintf(&b, " %.0f%%", *todo.Progress*100)
		}
		if len(todo.Dependencies) > 0 {
			fmt.Fprintf(&b, " deps=%v", todo.Dependencies)
		}
		if todo.Status == models.TodoBlocked {
			fmt.Fprintf(&b, " blocked: %s", todo.BlockedReason)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
