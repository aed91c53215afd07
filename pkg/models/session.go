package models

import (
	"time"
)

// Session is one conversation thread plus its working state. A session is
// owned by exactly one orchestrator process and persisted atomically after
// each turn; reloading it reconstructs history and todos exactly.
type Session struct {
	ID               string         `json:"id"`
	WorkingDirectory string         `json:"working_directory"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	History          []Message      `json:"history"`
	Todos            []Todo         `json:"todos,omitempty"`
	STM              STM            `json:"stm,omitzero"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// STM is the session's short-term memory: a rolling summary of turns that
// were folded out of the live context window, plus facts the model asked to
// keep in view for the rest of the session.
type STM struct {
	// Summary holds the compacted digest of history entries with index
	// < CompactedThrough. Empty until the first compaction.
	Summary string `json:"summary,omitempty"`
	// Facts are session-scoped notes rendered into the system prompt.
	Facts []string `json:"facts,omitempty"`
	// CompactedThrough is the history index the summary covers up to
	// (exclusive). Messages at or past this index are sent verbatim.
	CompactedThrough int `json:"compacted_through,omitempty"`
}

// IsZero reports whether the STM carries no state.
func (s STM) IsZero() bool {
	return s.Summary == "" && len(s.Facts) == 0 && s.CompactedThrough == 0
}

// Append adds a message to the session history and bumps UpdatedAt.
func (s *Session) Append(msg Message) {
	s.History = append(s.History, msg)
	s.UpdatedAt = time.Now().UTC()
}

// LastAssistant returns the most recent assistant message, or nil.
func (s *Session) LastAssistant() *Message {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleAssistant {
			return &s.History[i]
		}
	}
	return nil
}
