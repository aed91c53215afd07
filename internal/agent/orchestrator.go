package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/anvil/internal/agent/providers"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Loop bounds and retry policy.
const (
	// DefaultMaxIterations bounds one turn's loop.
	DefaultMaxIterations = 25

	// serverErrorRetries is how many times a 5xx/timeout is retried.
	serverErrorRetries = 3

	// serverErrorBackoff is the initial retry backoff, doubled per try.
	serverErrorBackoff = 2 * time.Second
)

// interruptMessage is the synthetic user message injected when the user
// hits escape mid-turn.
const interruptMessage = "I interrupted you; call the collaboration tool with operation=request_input before continuing."

// truncationNote is appended when the iteration bound is hit.
const truncationNote = "\n\n[Turn truncated: the iteration limit was reached before the task completed.]"

// Orchestrator drives the request/tool-call/response loop for one
// session. It is single-threaded over the session's state: one Run at a
// time per orchestrator.
type Orchestrator struct {
	provider  providers.Provider
	registry  *Registry
	executor  *Executor
	compactor *Compactor
	store     *sessions.Store
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	model         string
	maxIterations int
	retryBackoff  time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Provider      providers.Provider
	Registry      *Registry
	Store         *sessions.Store
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
	Model         string
	MaxIterations int
	// ContextBudget is the compaction character budget; 0 = default.
	ContextBudget int
	// RetryBackoff is the initial server-error backoff; 0 = default.
	RetryBackoff time.Duration
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = serverErrorBackoff
	}
	return &Orchestrator{
		provider:      opts.Provider,
		registry:      opts.Registry,
		executor:      NewExecutor(opts.Registry),
		compactor:     NewCompactor(opts.Provider, opts.Model, opts.ContextBudget),
		store:         opts.Store,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		model:         opts.Model,
		maxIterations: opts.MaxIterations,
		retryBackoff:  opts.RetryBackoff,
	}, nil
}

// Registry exposes the tool registry for wiring.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run executes one turn: the user utterance goes in, tool calls run until
// the model answers without any, and the final assistant content comes
// back. The session is persisted after every history mutation that
// completes a valid message group.
func (o *Orchestrator) Run(ctx context.Context, tc *ToolContext, input string) (string, error) {
	session := tc.Session
	if session == nil {
		return "", errors.New("session is required")
	}
	tc.Interrupts.ResetTurn()

	system := o.buildSystem(tc)
	session.Append(models.NewUserMessage(input))
	turnStart := len(session.History) - 1
	o.persist(ctx, tc, session)

	var lastContent string
	for iteration := 0; iteration < o.maxIterations; iteration++ {
		if tc.Interrupts.Poll() && !tc.Interrupts.Handled() {
			o.injectInterrupt(ctx, tc, session)
		}

		if compacted, err := o.compactor.MaybeCompact(ctx, session, system, turnStart); err != nil {
			o.logger.Warn(ctx, "compaction failed, continuing uncompacted", "error", err)
		} else if compacted {
			o.logger.Info(ctx, "history compacted",
				"session_id", session.ID, "compacted_through", session.STM.CompactedThrough)
			o.persist(ctx, tc, session)
		}

		resp, err := o.complete(ctx, tc, system, session)
		if err != nil {
			return o.turnFailed(ctx, tc, session, iteration, err)
		}

		session.Append(resp.Message)
		lastContent = resp.Message.Content
		if resp.Message.Content != "" && tc.UI != nil {
			tc.UI.Stream(resp.Message.Content + "\n")
		}

		if len(resp.Message.ToolCalls) == 0 {
			o.persist(ctx, tc, session)
			return resp.Message.Content, nil
		}

		o.executeCalls(ctx, tc, session, resp.Message.ToolCalls)
		o.persist(ctx, tc, session)
	}

	o.logger.Warn(ctx, "turn hit iteration bound",
		"session_id", session.ID, "max_iterations", o.maxIterations)
	return lastContent + truncationNote, nil
}

// executeCalls runs an assistant message's tool calls in emission order,
// appending exactly one tool message per call. Blocking tools finish
// before anything later starts (execution is sequential throughout, which
// satisfies the blocking contract trivially); a context failure mid-group
// still fills the remaining slots with synthetic error results so the
// pairing invariant holds.
func (o *Orchestrator) executeCalls(ctx context.Context, tc *ToolContext, session *models.Session, calls []models.ToolCall) {
	for i, call := range calls {
		if i > 0 && tc.Interrupts.Poll() {
			// Note it now; inject after this group completes.
			tc.Interrupts.Raise()
		}
		if err := ctx.Err(); err != nil {
			session.Append(models.NewToolMessage(call.ID,
				fmt.Sprintf("Error (canceled): turn aborted before this call ran: %v", err)))
			continue
		}

		callCtx := ctx
		var span trace.Span
		if o.tracer != nil {
			callCtx, span = o.tracer.Start(ctx, "tool.execute",
				attribute.String("tool.name", call.Name))
		}
		msg := o.executor.Execute(callCtx, tc, call)
		if span != nil {
			span.End()
		}
		session.Append(msg)
	}
}

// complete calls the provider with the orchestrator's retry policy:
// rate limits honor Retry-After with a visible countdown; server errors
// and timeouts back off exponentially up to serverErrorRetries; auth
// failures and other client errors abort immediately.
func (o *Orchestrator) complete(ctx context.Context, tc *ToolContext, system string, session *models.Session) (*providers.Response, error) {
	req := &providers.Request{
		Model:    o.model,
		System:   system,
		Messages: LiveHistory(session),
		Tools:    o.toolDefinitions(tc),
	}

	backoff := o.retryBackoff
	attempts := 0
	for {
		start := time.Now()
		resp, err := o.provider.Complete(ctx, req)
		if o.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			usage := providers.Usage{}
			if resp != nil {
				usage = resp.Usage
			}
			o.metrics.RecordLLMRequest(o.provider.Name(), o.model, status,
				time.Since(start), usage.InputTokens, usage.OutputTokens)
		}
		if err == nil {
			return resp, nil
		}

		pe, ok := providers.AsProviderError(err)
		if !ok {
			return nil, err
		}
		switch pe.Reason {
		case providers.ReasonRateLimited:
			wait := pe.RetryAfter
			if wait <= 0 {
				wait = 5 * time.Second
			}
			notice := fmt.Sprintf("Rate limited by %s; retrying in %ds", pe.Provider, int(wait.Seconds()))
			o.logger.Warn(ctx, "rate limited, waiting", "provider", pe.Provider, "retry_after", wait.String())
			if tc.UI != nil {
				tc.UI.Notice(notice)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case providers.ReasonServerError, providers.ReasonTimeout:
			attempts++
			if attempts > serverErrorRetries {
				return nil, err
			}
			o.logger.Warn(ctx, "provider error, backing off",
				"reason", string(pe.Reason), "attempt", attempts, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		default:
			return nil, err
		}
	}
}

// turnFailed surfaces a provider failure: stream-interrupted partials are
// preserved in history, and the UI receives the actual error text. The
// turn ends cleanly — never mid-tool-sequence, since failures happen at
// the completion boundary.
func (o *Orchestrator) turnFailed(ctx context.Context, tc *ToolContext, session *models.Session, iteration int, err error) (string, error) {
	if pe, ok := providers.AsProviderError(err); ok && pe.Reason == providers.ReasonStreamInterrupted && pe.Partial != "" {
		session.Append(models.NewAssistantMessage(pe.Partial, nil))
		o.persist(ctx, tc, session)
		if tc.UI != nil {
			tc.UI.ErrorMsg("stream interrupted; partial response preserved")
		}
		return pe.Partial, &TurnError{Phase: PhaseComplete, Iteration: iteration, Cause: err}
	}
	if tc.UI != nil {
		tc.UI.ErrorMsg(err.Error())
	}
	o.persist(ctx, tc, session)
	return "", &TurnError{Phase: PhaseComplete, Iteration: iteration, Cause: err}
}

// injectInterrupt appends the one-shot synthetic user message directing
// the model to the collaboration tool.
func (o *Orchestrator) injectInterrupt(ctx context.Context, tc *ToolContext, session *models.Session) {
	session.Append(models.NewUserMessage(interruptMessage))
	tc.Interrupts.MarkHandled()
	if tc.UI != nil {
		tc.UI.Notice("Interrupt noted; asking the agent to check in.")
	}
	o.logger.Info(ctx, "user interrupt injected", "session_id", session.ID)
}

// buildSystem assembles the system prompt for this turn.
func (o *Orchestrator) buildSystem(tc *ToolContext) string {
	spec := PromptSpec{
		WorkDir:    tc.WorkDir(),
		IsSubAgent: tc.IsSubAgent,
		ToolMenu:   ToolMenu(o.registry),
	}
	if tc.Session != nil {
		spec.Facts = tc.Session.STM.Facts
	}
	if tc.LTM != nil {
		entries, err := tc.LTM.Top(ltmSectionMax,
			models.LTMDiscovery, models.LTMSolution, models.LTMPattern)
		if err == nil {
			spec.LTM = entries
		}
	}
	return BuildSystemPrompt(spec)
}

// toolDefinitions exports the registry (plus any MCP-discovered tools)
// in provider function-calling shape.
func (o *Orchestrator) toolDefinitions(tc *ToolContext) []providers.ToolDefinition {
	schemas := o.registry.Schemas()
	if tc.MCP != nil {
		schemas = append(append([]map[string]any(nil), schemas...), tc.MCP.ToolDefinitions()...)
	}
	defs := make([]providers.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		name, _ := s["name"].(string)
		desc, _ := s["description"].(string)
		params, _ := s["parameters"].(map[string]any)
		defs = append(defs, providers.ToolDefinition{Name: name, Description: desc, Parameters: params})
	}
	return defs
}

// persist saves the session, logging (not failing) on error: losing one
// save is recoverable, a crashed turn is not.
func (o *Orchestrator) persist(ctx context.Context, tc *ToolContext, session *models.Session) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(session); err != nil {
		o.logger.Error(ctx, "session save failed", "session_id", session.ID, "error", err)
	}
}
