package subagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/broker"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/pkg/models"
)

const (
	// ownerAgentID is the broker address of the interactive session
	// owner, matching the id the top-level agent registers with.
	ownerAgentID = "user"

	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 10 * time.Second

	// clarificationTimeout bounds how long a blocked worker waits for an
	// answer before giving up on the question.
	clarificationTimeout = 5 * time.Minute
)

// TaskHandler runs one unit of work and returns its final output. The
// worker wires this to an orchestrator turn.
type TaskHandler func(ctx context.Context, task string) (string, error)

// Loop drives a worker process: run the initial task, then for
// persistent workers keep polling the broker inbox for follow-up work
// until stopped.
type Loop struct {
	Broker     *broker.Client
	Handler    TaskHandler
	Task       string
	Persistent bool
	Logger     *observability.Logger

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Run executes the worker lifecycle. It registers with the broker,
// performs the initial task, and for persistent workers services the
// inbox until a stop message or context cancellation. The registration
// is always released on return.
func (l *Loop) Run(ctx context.Context) error {
	if l.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if l.Logger == nil {
		l.Logger = observability.Nop()
	}
	if l.PollInterval <= 0 {
		l.PollInterval = defaultPollInterval
	}
	if l.HeartbeatInterval <= 0 {
		l.HeartbeatInterval = defaultHeartbeatInterval
	}

	mode := models.AgentOneshot
	if l.Persistent {
		mode = models.AgentPersistent
	}
	if err := l.Broker.Register(ctx, mode, l.Task); err != nil {
		return fmt.Errorf("register with broker: %w", err)
	}
	defer func() {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Broker.Unregister(unregCtx); err != nil {
			l.Logger.Warn(unregCtx, "unregister failed", "error", err)
		}
	}()

	if err := l.runTask(ctx, l.Task); err != nil {
		return err
	}
	if !l.Persistent {
		return nil
	}
	return l.serve(ctx)
}

// runTask executes one task and reports the outcome to the session owner.
func (l *Loop) runTask(ctx context.Context, task string) error {
	l.Logger.Info(ctx, "task started", "task", truncateTask(task))
	output, err := l.Handler(ctx, task)
	if err != nil {
		l.Logger.Error(ctx, "task failed", "error", err)
		if _, sendErr := l.Broker.SendMessage(ctx, ownerAgentID, models.MsgStatus,
			fmt.Sprintf("task failed: %v", err)); sendErr != nil {
			l.Logger.Warn(ctx, "status report failed", "error", sendErr)
		}
		return err
	}
	if _, err := l.Broker.SendMessage(ctx, ownerAgentID, models.MsgComplete, output); err != nil {
		l.Logger.Warn(ctx, "completion report failed", "error", err)
	}
	l.Logger.Info(ctx, "task complete")
	return nil
}

// serve is the persistent worker loop: heartbeat on one ticker, poll the
// inbox on another, dispatch follow-up work, exit on stop.
func (l *Loop) serve(ctx context.Context) error {
	poll := time.NewTicker(l.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(l.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := l.Broker.Heartbeat(ctx); err != nil {
				l.Logger.Warn(ctx, "heartbeat failed", "error", err)
			}
		case <-poll.C:
			stop, err := l.drainInbox(ctx)
			if err != nil {
				l.Logger.Warn(ctx, "inbox poll failed", "error", err)
				continue
			}
			if stop {
				l.Logger.Info(ctx, "stop received")
				return nil
			}
		}
	}
}

// drainInbox handles every unread message. Returns true when a stop
// message was seen; remaining messages are still acknowledged first.
func (l *Loop) drainInbox(ctx context.Context) (bool, error) {
	messages, err := l.Broker.PollInbox(ctx)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return false, nil
	}

	ids := make([]int64, 0, len(messages))
	stop := false
	for _, msg := range messages {
		ids = append(ids, msg.ID)
		switch msg.Type {
		case models.MsgStop:
			stop = true
		case models.MsgTask, models.MsgGuidance, models.MsgBroadcast:
			if err := l.runTask(ctx, msg.Content); err != nil {
				l.Logger.Warn(ctx, "follow-up task failed",
					"from", msg.From, "error", err)
			}
		case models.MsgQuestion:
			answer, err := l.Handler(ctx, msg.Content)
			if err != nil {
				answer = fmt.Sprintf("unable to answer: %v", err)
			}
			if _, err := l.Broker.SendMessage(ctx, msg.From, models.MsgAnswer, answer); err != nil {
				l.Logger.Warn(ctx, "answer send failed", "to", msg.From, "error", err)
			}
		case models.MsgAnswer, models.MsgClarification:
			// Answers to this worker's own questions are consumed by
			// AskUser, which polls the inbox directly. Seeing one here
			// means the question already timed out; drop it.
		default:
			l.Logger.Debug(ctx, "ignoring message", "type", string(msg.Type), "from", msg.From)
		}
	}
	if _, err := l.Broker.Acknowledge(ctx, ids); err != nil {
		l.Logger.Warn(ctx, "acknowledge failed", "error", err)
	}
	return stop, nil
}

// AskUser routes a blocked worker's question to the session owner and
// waits for a clarification. Used by the collaboration tool when the
// worker has no terminal of its own.
func (l *Loop) AskUser(ctx context.Context, question string) (string, error) {
	if _, err := l.Broker.SendMessage(ctx, ownerAgentID, models.MsgQuestion, question); err != nil {
		return "", fmt.Errorf("send question: %w", err)
	}

	deadline := time.Now().Add(clarificationTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.PollInterval):
		}
		messages, err := l.Broker.PollInbox(ctx)
		if err != nil {
			continue
		}
		for _, msg := range messages {
			if msg.Type == models.MsgClarification || msg.Type == models.MsgAnswer {
				if _, err := l.Broker.Acknowledge(ctx, []int64{msg.ID}); err != nil {
					l.Logger.Warn(ctx, "acknowledge failed", "error", err)
				}
				return msg.Content, nil
			}
		}
	}
	return "", fmt.Errorf("no clarification within %s", clarificationTimeout)
}

func truncateTask(task string) string {
	task = strings.ReplaceAll(task, "\n", " ")
	if len(task) > 120 {
		return task[:117] + "..."
	}
	return task
}
