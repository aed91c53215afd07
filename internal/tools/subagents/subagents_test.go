package subagents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

// fakeManager records calls against the sub-agent manager surface.
type fakeManager struct {
	records  []models.AgentRecord
	spawned  []string
	killed   []string
	killsAll int
}

func (f *fakeManager) Spawn(_ context.Context, task, model string, persistent bool) (*models.AgentRecord, error) {
	f.spawned = append(f.spawned, task)
	mode := models.AgentOneshot
	if persistent {
		mode = models.AgentPersistent
	}
	return &models.AgentRecord{AgentID: "agent-1", Mode: mode, Task: task, Status: models.AgentRunning, StartedAt: time.Now()}, nil
}
func (f *fakeManager) List(context.Context) ([]models.AgentRecord, error) { return f.records, nil }
func (f *fakeManager) Status(_ context.Context, agentID string) (*models.AgentRecord, string, error) {
	for i := range f.records {
		if f.records[i].AgentID == agentID {
			return &f.records[i], "last log line", nil
		}
	}
	return nil, "", errors.New("unknown agent")
}
func (f *fakeManager) Kill(_ context.Context, agentID string) error {
	f.killed = append(f.killed, agentID)
	return nil
}
func (f *fakeManager) KillAll(context.Context) (int, error) {
	f.killsAll++
	return len(f.records), nil
}

// fakeBroker serves the messaging verbs.
type fakeBroker struct {
	inbox   []models.BrokerMessage
	sent    []models.BrokerMessage
	acked   []int64
	history []models.BrokerMessage
}

func (f *fakeBroker) AgentID() string { return "user" }
func (f *fakeBroker) SendMessage(_ context.Context, to string, typ models.BrokerMessageType, content string) (int64, error) {
	f.sent = append(f.sent, models.BrokerMessage{To: to, Type: typ, Content: content})
	return int64(len(f.sent)), nil
}
func (f *fakeBroker) PollInbox(context.Context) ([]models.BrokerMessage, error) {
	return f.inbox, nil
}
func (f *fakeBroker) Acknowledge(_ context.Context, ids []int64) (int, error) {
	f.acked = append(f.acked, ids...)
	return len(ids), nil
}
func (f *fakeBroker) MessageHistory(context.Context) ([]models.BrokerMessage, error) {
	return f.history, nil
}
func (f *fakeBroker) RequestFileLock(context.Context, []string) error        { return nil }
func (f *fakeBroker) ReleaseFileLock(context.Context, []string) error        { return nil }
func (f *fakeBroker) RequestGitLock(context.Context) error                   { return nil }
func (f *fakeBroker) ReleaseGitLock(context.Context) error                   { return nil }
func (f *fakeBroker) SendDiscovery(context.Context, string) error            { return nil }
func (f *fakeBroker) SendWarning(context.Context, string) error              { return nil }
func (f *fakeBroker) Discoveries(context.Context) ([]models.BrokerMessage, error) {
	return nil, nil
}
func (f *fakeBroker) Warnings(context.Context) ([]models.BrokerMessage, error) { return nil, nil }

func run(t *testing.T, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := New().Execute(context.Background(), tc, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestSpawnPersistent(t *testing.T) {
	mgr := &fakeManager{}
	tc := &agent.ToolContext{Agents: mgr}

	res := run(t, tc, map[string]any{
		"operation": "spawn", "task": "audit the handlers", "persistent": true,
	})
	if !res.Success {
		t.Fatalf("spawn failed: %s", res.Error)
	}
	if got := res.Metadata["agent_id"]; got != "agent-1" {
		t.Errorf("agent_id meta = %v", got)
	}
	if !strings.Contains(res.Output, `"persistent"`) {
		t.Errorf("output = %s", res.Output)
	}
	if len(mgr.spawned) != 1 || mgr.spawned[0] != "audit the handlers" {
		t.Errorf("spawned = %v", mgr.spawned)
	}
}

func TestSpawnRequiresTask(t *testing.T) {
	tc := &agent.ToolContext{Agents: &fakeManager{}}
	res := run(t, tc, map[string]any{"operation": "spawn"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestListAndStatus(t *testing.T) {
	mgr := &fakeManager{records: []models.AgentRecord{
		{AgentID: "agent-1", Status: models.AgentRunning, Mode: models.AgentOneshot, Task: "t", StartedAt: time.Now().Add(-time.Minute)},
	}}
	tc := &agent.ToolContext{Agents: mgr}

	res := run(t, tc, map[string]any{"operation": "list"})
	if !strings.Contains(res.Output, "agent-1") {
		t.Errorf("list = %s", res.Output)
	}

	res = run(t, tc, map[string]any{"operation": "status", "agent_id": "agent-1"})
	if !res.Success {
		t.Fatalf("status failed: %s", res.Error)
	}
	for _, want := range []string{`"agent_id": "agent-1"`, `"log_tail": "last log line"`, `"uptime"`} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("status output missing %q: %s", want, res.Output)
		}
	}

	res = run(t, tc, map[string]any{"operation": "status", "agent_id": "nope"})
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Errorf("unknown agent: success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestKillAndKillAll(t *testing.T) {
	mgr := &fakeManager{records: []models.AgentRecord{{AgentID: "a"}, {AgentID: "b"}}}
	tc := &agent.ToolContext{Agents: mgr}

	run(t, tc, map[string]any{"operation": "kill", "agent_id": "a"})
	if len(mgr.killed) != 1 || mgr.killed[0] != "a" {
		t.Errorf("killed = %v", mgr.killed)
	}

	res := run(t, tc, map[string]any{"operation": "killall"})
	if !strings.Contains(res.Output, "Killed 2") {
		t.Errorf("killall = %q", res.Output)
	}
}

func TestInboxNonDestructive(t *testing.T) {
	broker := &fakeBroker{inbox: []models.BrokerMessage{
		{ID: 1, From: "agent-1", Type: models.MsgDiscovery, Content: "found the bug"},
	}}
	tc := &agent.ToolContext{Broker: broker}

	res := run(t, tc, map[string]any{"operation": "inbox"})
	if !strings.Contains(res.Output, "found the bug") {
		t.Errorf("inbox = %s", res.Output)
	}
	if len(broker.acked) != 0 {
		t.Error("inbox acknowledged messages")
	}
}

func TestAcknowledgeAllWhenNoIDs(t *testing.T) {
	broker := &fakeBroker{inbox: []models.BrokerMessage{{ID: 4}, {ID: 9}}}
	tc := &agent.ToolContext{Broker: broker}

	res := run(t, tc, map[string]any{"operation": "acknowledge"})
	if !res.Success || len(broker.acked) != 2 {
		t.Errorf("acked = %v (%s)", broker.acked, res.Output)
	}

	broker.acked = nil
	run(t, tc, map[string]any{"operation": "acknowledge", "message_ids": []any{float64(4)}})
	if len(broker.acked) != 1 || broker.acked[0] != 4 {
		t.Errorf("acked = %v", broker.acked)
	}
}

func TestSendAndBroadcast(t *testing.T) {
	broker := &fakeBroker{}
	tc := &agent.ToolContext{Broker: broker}

	run(t, tc, map[string]any{"operation": "send", "agent_id": "agent-2", "message": "focus on the parser"})
	run(t, tc, map[string]any{"operation": "broadcast", "message": "pausing deploys"})

	if len(broker.sent) != 2 {
		t.Fatalf("sent = %d", len(broker.sent))
	}
	if broker.sent[0].To != "agent-2" || broker.sent[0].Type != models.MsgTask {
		t.Errorf("send = %+v", broker.sent[0])
	}
	if broker.sent[1].To != "all" || broker.sent[1].Type != models.MsgBroadcast {
		t.Errorf("broadcast = %+v", broker.sent[1])
	}
}

func TestMessagingWithoutBroker(t *testing.T) {
	tc := &agent.ToolContext{}
	res := run(t, tc, map[string]any{"operation": "inbox"})
	if res.Success || res.ErrorType != agent.ToolErrorBrokerUnavailable {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}
