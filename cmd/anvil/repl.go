package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/internal/ui"
	"github.com/haasonsaas/anvil/pkg/models"
)

// runAgent drives the top-level agent: resolve the session, then either
// run one turn (--input --exit) or enter the REPL.
func runAgent(ctx context.Context, opts replOptions) error {
	// SIGTERM tears the whole process down; Ctrl-C goes through the
	// relay so a running turn gets a soft interrupt first.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	session, err := resolveSession(rt, opts)
	if err != nil {
		return err
	}
	if err := rt.attachSession(session.ID, ""); err != nil {
		return err
	}
	ctx = observability.WithSessionID(ctx, session.ID)

	sink := ui.NewTerminal()
	ui.SaveInitialState()
	defer ui.ResetTerminal()

	relay := &interruptRelay{source: rt.interrupts, sink: sink}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go relay.run(sigs)

	tc := rt.toolContext(session, sink, "")

	if opts.oneShot {
		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		relay.beginTurn(cancel)
		defer relay.endTurn()
		if _, err := rt.orch.Run(turnCtx, tc, opts.input); err != nil {
			// Fatal path: the turn is lost but the session should not be.
			rt.store.Save(session)
			return err
		}
		return nil
	}

	fmt.Printf("anvil %s — session %s\n", version, session.ID)
	fmt.Println(`Type a task, "/help" for commands, or Ctrl-D to leave.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if opts.input != "" {
		if done := runTurn(ctx, rt, relay, tc, opts.input); done {
			return nil
		}
	}

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := rt.handleCommand(ctx, tc, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				break
			}
			continue
		}
		if done := runTurn(ctx, rt, relay, tc, line); done {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// runTurn executes one orchestrator turn and reports whether the loop
// should stop (outer context canceled). An aborted turn (Ctrl-C twice)
// only ends the turn, not the REPL.
func runTurn(ctx context.Context, rt *runtime, relay *interruptRelay, tc *agent.ToolContext, input string) bool {
	// A broker may have come up since the last turn (first sub-agent
	// spawn); refresh the handle tools see.
	if tc.Broker == nil && rt.brokerCli != nil && rt.brokerCli.Available() {
		tc.Broker = rt.brokerCli
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if relay != nil {
		relay.beginTurn(cancel)
		defer relay.endTurn()
	}

	if _, err := rt.orch.Run(turnCtx, tc, input); err != nil {
		tc.UI.ErrorMsg(err.Error())
		rt.store.Save(tc.Session)
		if ctx.Err() != nil {
			return true
		}
	}
	return false
}

// interruptRelay routes Ctrl-C. While a turn runs, the first signal
// raises a soft interrupt for the orchestrator to poll and the second
// aborts the turn; at the prompt it just prints a hint.
type interruptRelay struct {
	source *agent.InterruptSource
	sink   ui.Sink

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while a turn is running
	raised bool
}

func (r *interruptRelay) beginTurn(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.raised = false
	r.mu.Unlock()
}

func (r *interruptRelay) endTurn() {
	r.mu.Lock()
	r.cancel = nil
	r.raised = false
	r.mu.Unlock()
}

func (r *interruptRelay) run(sigs <-chan os.Signal) {
	for range sigs {
		r.handleSignal()
	}
}

func (r *interruptRelay) handleSignal() {
	r.mu.Lock()
	cancel, raised := r.cancel, r.raised
	if cancel != nil {
		r.raised = true
	}
	r.mu.Unlock()

	switch {
	case cancel == nil:
		r.sink.Notice("(interrupt: type /exit to leave)")
	case !raised:
		r.source.Raise()
		r.sink.Notice("Interrupt noted, the agent will check in. Ctrl-C again aborts the turn.")
	default:
		cancel()
	}
}

// handleCommand dispatches an in-REPL slash command. It returns true when
// the REPL should exit.
func (rt *runtime) handleCommand(ctx context.Context, tc *agent.ToolContext, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Println(`Commands:
  /reset                    start a fresh session
  /subagent spawn <task>    spawn a one-shot worker
  /subagent spawn -p <task> spawn a persistent worker
  /subagent list            list workers
  /subagent status <id>     show a worker's record and log tail
  /subagent kill <id>       stop a worker
  /subagent killall         stop every worker
  /exit                     leave`)
		return false, nil
	case "/reset":
		return false, rt.resetSession(ctx, tc)
	case "/subagent":
		return false, rt.subagentCommand(ctx, fields[1:])
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

// resetSession swaps in a brand-new session; the old one stays on disk.
func (rt *runtime) resetSession(ctx context.Context, tc *agent.ToolContext) error {
	session, err := rt.store.Create(rt.workDir)
	if err != nil {
		return err
	}
	tc.Session = session
	fmt.Printf("new session %s\n", session.ID)
	return nil
}

// subagentCommand drives the worker manager from the REPL.
func (rt *runtime) subagentCommand(ctx context.Context, args []string) error {
	if rt.manager == nil {
		return errors.New("sub-agents are unavailable in this mode")
	}
	if len(args) == 0 {
		return errors.New("usage: /subagent spawn|list|status|kill|killall")
	}
	switch args[0] {
	case "spawn":
		rest := args[1:]
		persistent := false
		if len(rest) > 0 && (rest[0] == "-p" || rest[0] == "--persistent") {
			persistent = true
			rest = rest[1:]
		}
		task := strings.Join(rest, " ")
		if task == "" {
			return errors.New("usage: /subagent spawn [-p] <task>")
		}
		record, err := rt.manager.Spawn(ctx, task, rt.model, persistent)
		if err != nil {
			return err
		}
		fmt.Printf("spawned %s (pid %d, %s)\n", record.AgentID, record.PID, record.Mode)
		return nil
	case "list":
		records, err := rt.manager.List(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no workers")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\t%s\n", r.AgentID, r.Status, r.Mode, firstLine(r.Task))
		}
		return nil
	case "status":
		if len(args) < 2 {
			return errors.New("usage: /subagent status <id>")
		}
		record, logTail, err := rt.manager.Status(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\npid %d, started %s\n",
			record.AgentID, record.Status, record.Mode,
			record.PID, record.StartedAt.Format("15:04:05"))
		if logTail != "" {
			fmt.Println("--- log ---")
			fmt.Println(logTail)
		}
		return nil
	case "kill":
		if len(args) < 2 {
			return errors.New("usage: /subagent kill <id>")
		}
		if err := rt.manager.Kill(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("killed %s\n", args[1])
		return nil
	case "killall":
		n, err := rt.manager.KillAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("killed %d worker(s)\n", n)
		return nil
	default:
		return fmt.Errorf("unknown subagent action %q", args[0])
	}
}

// resolveSession loads or creates the session the run operates on.
func resolveSession(rt *runtime, opts replOptions) (*models.Session, error) {
	if opts.resume == "" {
		return rt.store.Create(rt.workDir)
	}
	id := opts.resume
	if id == "latest" {
		latest, err := rt.store.Latest()
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, errors.New("no sessions to resume")
		}
		id = latest
	}
	session, err := rt.store.Get(id)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return nil, &usageError{err}
		}
		return nil, err
	}
	return session, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
