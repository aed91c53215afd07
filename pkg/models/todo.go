package models

import (
	"fmt"
)

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoNotStarted TodoStatus = "not-started"
	TodoInProgress TodoStatus = "in-progress"
	TodoCompleted  TodoStatus = "completed"
	TodoBlocked    TodoStatus = "blocked"
)

// Todo is one tracked work item in a session.
type Todo struct {
	ID            int        `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TodoStatus `json:"status"`
	Priority      string     `json:"priority,omitempty"`
	Dependencies  []int      `json:"dependencies,omitempty"`
	Progress      *float64   `json:"progress,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
}

// ValidateTodos checks the full todo list invariants: unique positive ids,
// at most one in-progress item, blocked items carry a reason, progress in
// [0,1], and dependencies reference existing ids without cycles.
func ValidateTodos(todos []Todo) error {
	ids := make(map[int]bool, len(todos))
	inProgress := 0
	for _, t := range todos {
		if t.ID < 1 {
			return fmt.Errorf("todo %q: id must be >= 1, got %d", t.Title, t.ID)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate todo id %d", t.ID)
		}
		ids[t.ID] = true

		switch t.Status {
		case TodoNotStarted, TodoInProgress, TodoCompleted, TodoBlocked:
		default:
			return fmt.Errorf("todo %d: unknown status %q", t.ID, t.Status)
		}
		if t.Status == TodoInProgress {
			inProgress++
			if inProgress > 1 {
				return fmt.Errorf("todo %d: more than one item in-progress", t.ID)
			}
		}
		if t.Status == TodoBlocked && t.BlockedReason == "" {
			return fmt.Errorf("todo %d: blocked without blocked_reason", t.ID)
		}
		if t.Progress != nil && (*t.Progress < 0 || *t.Progress > 1) {
			return fmt.Errorf("todo %d: progress %v outside [0,1]", t.ID, *t.Progress)
		}
	}

	for _, t := range todos {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("todo %d: dependency %d does not exist", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("todo %d: depends on itself", t.ID)
			}
		}
	}
	if err := checkDependencyCycles(todos); err != nil {
		return err
	}
	return nil
}

// checkDependencyCycles runs a three-color DFS over the dependency edges.
func checkDependencyCycles(todos []Todo) error {
	deps := make(map[int][]int, len(todos))
	for _, t := range todos {
		deps[t.ID] = t.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(todos))

	var visit func(id int) error
	visit = func(id int) error {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("todo dependency cycle through %d", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range todos {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
