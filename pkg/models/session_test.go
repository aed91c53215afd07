package models

import (
	"encoding/json"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestSessionJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	original := Session{
		ID:               "sess-1",
		WorkingDirectory: "/work/proj",
		CreatedAt:        now,
		UpdatedAt:        now,
		History: []Message{
			{Role: RoleUser, Content: "create a.txt", CreatedAt: now},
			{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{
				{ID: "call_1", Name: "file_operations", Arguments: `{"operation":"write_file","path":"a.txt","content":"x"}`},
			}, CreatedAt: now},
			{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "call_1", CreatedAt: now},
			{Role: RoleAssistant, Content: "done", CreatedAt: now},
		},
		Todos: []Todo{{ID: 1, Title: "create file", Status: TodoCompleted}},
		STM:   STM{Summary: "user asked for a.txt", CompactedThrough: 0},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Session
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if len(decoded.History) != 4 {
		t.Fatalf("History length = %d, want 4", len(decoded.History))
	}
	if decoded.History[2].ToolCallID != "call_1" {
		t.Errorf("tool message ToolCallID = %q, want call_1", decoded.History[2].ToolCallID)
	}
	if got := decoded.History[1].ToolCalls[0].Arguments; got != original.History[1].ToolCalls[0].Arguments {
		t.Errorf("tool call arguments survived badly: %q", got)
	}
	if decoded.STM.Summary != original.STM.Summary {
		t.Errorf("STM.Summary = %q, want %q", decoded.STM.Summary, original.STM.Summary)
	}
}

func TestSessionAppendAndLastAssistant(t *testing.T) {
	s := &Session{ID: "sess-2"}
	if s.LastAssistant() != nil {
		t.Fatal("LastAssistant on empty history should be nil")
	}

	s.Append(NewUserMessage("hi"))
	s.Append(NewAssistantMessage("hello", nil))
	s.Append(NewUserMessage("again"))
	s.Append(NewAssistantMessage("final", nil))

	last := s.LastAssistant()
	if last == nil || last.Content != "final" {
		t.Fatalf("LastAssistant = %+v, want content final", last)
	}
	if s.UpdatedAt.IsZero() {
		t.Error("Append should set UpdatedAt")
	}
}
