package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/pkg/models"
)

// scriptedUI answers every prompt with a fixed line.
type scriptedUI struct {
	answer  string
	err     error
	prompts []string
}

func (u *scriptedUI) Stream(string)   {}
func (u *scriptedUI) Notice(string)   {}
func (u *scriptedUI) Action(string)   {}
func (u *scriptedUI) ErrorMsg(string) {}
func (u *scriptedUI) RequestInput(ctx context.Context, prompt string) (string, error) {
	u.prompts = append(u.prompts, prompt)
	if u.err != nil {
		return "", u.err
	}
	return u.answer, nil
}

// fakeBroker serves a scripted inbox to the sub-agent path.
type fakeBroker struct {
	mu    sync.Mutex
	inbox []models.BrokerMessage
	sent  []models.BrokerMessage
	acked []int64
}

func (f *fakeBroker) AgentID() string { return "agent-1" }
func (f *fakeBroker) SendMessage(_ context.Context, to string, typ models.BrokerMessageType, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, models.BrokerMessage{To: to, Type: typ, Content: content})
	return int64(len(f.sent)), nil
}
func (f *fakeBroker) PollInbox(context.Context) ([]models.BrokerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BrokerMessage(nil), f.inbox...), nil
}
func (f *fakeBroker) Acknowledge(_ context.Context, ids []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return len(ids), nil
}
func (f *fakeBroker) RequestFileLock(context.Context, []string) error        { return nil }
func (f *fakeBroker) ReleaseFileLock(context.Context, []string) error        { return nil }
func (f *fakeBroker) RequestGitLock(context.Context) error                   { return nil }
func (f *fakeBroker) ReleaseGitLock(context.Context) error                   { return nil }
func (f *fakeBroker) MessageHistory(context.Context) ([]models.BrokerMessage, error) {
	return nil, nil
}
func (f *fakeBroker) SendDiscovery(context.Context, string) error                 { return nil }
func (f *fakeBroker) SendWarning(context.Context, string) error                   { return nil }
func (f *fakeBroker) Discoveries(context.Context) ([]models.BrokerMessage, error) { return nil, nil }
func (f *fakeBroker) Warnings(context.Context) ([]models.BrokerMessage, error)    { return nil, nil }

func execute(t *testing.T, tool *Tool, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), tc, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestLocalPathLeavesSessionUntouched(t *testing.T) {
	ui := &scriptedUI{answer: "use the staging database"}
	session := &models.Session{ID: "s1"}
	// The in-flight turn: the orchestrator has appended the tool_calls
	// message and will append the tool message after this execution. The
	// tool must not wedge anything between the two.
	session.Append(models.NewUserMessage("migrate the schema"))
	session.Append(models.NewAssistantMessage("", []models.ToolCall{
		{ID: "call-1", Name: "collaboration", Arguments: `{"operation":"request_input"}`},
	}))
	tc := &agent.ToolContext{
		Session: session,
		Config:  config.Default(),
		UI:      ui,
	}

	res := execute(t, New(), tc, map[string]any{
		"operation": "request_input",
		"message":   "Which database should I point the migration at?",
		"context":   "There are staging and production instances.",
	})
	if !res.Success || res.Output != "use the staging database" {
		t.Fatalf("result = %+v", res)
	}
	if len(ui.prompts) != 1 || ui.prompts[0] == "" {
		t.Fatalf("prompts = %v", ui.prompts)
	}

	// The exchange rides in the tool result; history still ends with the
	// assistant tool_calls message.
	h := session.History
	if len(h) != 2 {
		t.Fatalf("history grew during execution: %+v", h)
	}
	if last := h[len(h)-1]; len(last.ToolCalls) != 1 {
		t.Fatalf("last message = %+v", last)
	}
}

func TestLocalPathUIError(t *testing.T) {
	tc := &agent.ToolContext{
		Session: &models.Session{},
		Config:  config.Default(),
		UI:      &scriptedUI{err: errors.New("stdin closed")},
	}
	res := execute(t, New(), tc, map[string]any{"operation": "request_input", "message": "q"})
	if res.Success || res.ErrorType != agent.ToolErrorExecution {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
	if len(tc.Session.History) != 0 {
		t.Error("failed exchange still injected into history")
	}
}

func TestBrokerPathReceivesClarification(t *testing.T) {
	broker := &fakeBroker{inbox: []models.BrokerMessage{
		{ID: 7, From: "user", Type: models.MsgClarification, Content: "yes, delete the stale rows"},
	}}
	tool := New()
	tool.pollInterval = 10 * time.Millisecond
	tc := &agent.ToolContext{
		Config:     config.Default(),
		Broker:     broker,
		IsSubAgent: true,
	}

	res := execute(t, tool, tc, map[string]any{"operation": "request_input", "message": "May I delete stale rows?"})
	if !res.Success || res.Output != "yes, delete the stale rows" {
		t.Fatalf("result = %+v", res)
	}
	if len(broker.sent) != 1 || broker.sent[0].To != "user" || broker.sent[0].Type != models.MsgQuestion {
		t.Errorf("sent = %+v", broker.sent)
	}
	if len(broker.acked) != 1 || broker.acked[0] != 7 {
		t.Errorf("acked = %v", broker.acked)
	}
}

func TestBrokerPathStopAborts(t *testing.T) {
	broker := &fakeBroker{inbox: []models.BrokerMessage{
		{ID: 3, From: "user", Type: models.MsgStop},
	}}
	tool := New()
	tool.pollInterval = 10 * time.Millisecond
	tc := &agent.ToolContext{Config: config.Default(), Broker: broker, IsSubAgent: true}

	res := execute(t, tool, tc, map[string]any{"operation": "request_input", "message": "q"})
	if res.Success || res.ErrorType != agent.ToolErrorCanceled {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestBrokerPathTimeout(t *testing.T) {
	tool := New()
	tool.pollInterval = 10 * time.Millisecond
	cfg := config.Default()
	cfg.CollaborationTimeoutSeconds = 1
	tc := &agent.ToolContext{Config: cfg, Broker: &fakeBroker{}, IsSubAgent: true}

	start := time.Now()
	res := execute(t, tool, tc, map[string]any{"operation": "request_input", "message": "q"})
	if res.Success || res.ErrorType != agent.ToolErrorTimeout {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout not honored")
	}
}

func TestRequiresMessage(t *testing.T) {
	tc := &agent.ToolContext{Config: config.Default(), UI: &scriptedUI{}}
	res := execute(t, New(), tc, map[string]any{"operation": "request_input"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}
