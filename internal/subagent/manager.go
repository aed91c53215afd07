// Package subagent spawns and supervises worker agent processes. Each
// worker is a child OS process running `anvil agent-worker`, logging to
// its own file under the state directory and coordinating through the
// session broker.
package subagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/broker"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/pkg/models"
)

var _ agent.SubAgentManager = (*Manager)(nil)

const (
	// killGrace is how long SIGTERM gets before SIGKILL follows.
	killGrace = 5 * time.Second

	// logTailBytes bounds the log excerpt in status output.
	logTailBytes = 4 * 1024

	// brokerStartupWait bounds how long a freshly spawned broker gets to
	// create its socket.
	brokerStartupWait = 2 * time.Second
)

// Manager launches and tracks worker processes for one session.
type Manager struct {
	sessionID string
	workDir   string
	stateDir  string
	binPath   string
	broker    *broker.Client
	logger    *observability.Logger

	mu    sync.Mutex
	procs map[string]*workerProc
}

// workerProc is the manager's local view of one spawned worker.
type workerProc struct {
	record  models.AgentRecord
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
}

// NewManager creates a manager. workDir is the project root; state lives
// under workDir/.anvil. client is the manager's own broker connection,
// used to merge live registry state into listings.
func NewManager(sessionID, workDir string, client *broker.Client, logger *observability.Logger) (*Manager, error) {
	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Manager{
		sessionID: sessionID,
		workDir:   workDir,
		stateDir:  filepath.Join(workDir, ".anvil"),
		binPath:   binPath,
		broker:    client,
		logger:    logger.WithFields("component", "subagent"),
		procs:     make(map[string]*workerProc),
	}, nil
}

// Spawn launches one worker process and returns its record immediately;
// the task runs in the child. The session broker is started first if no
// socket answers.
func (m *Manager) Spawn(ctx context.Context, task, model string, persistent bool) (*models.AgentRecord, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	if err := m.ensureBroker(ctx); err != nil {
		return nil, err
	}

	agentID := uuid.NewString()
	logDir := filepath.Join(m.stateDir, "agents")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent log dir: %w", err)
	}
	logPath := filepath.Join(logDir, agentID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}

	args := []string{
		"agent-worker",
		"--session", m.sessionID,
		"--agent-id", agentID,
		"--task", task,
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if persistent {
		args = append(args, "--persistent")
	}

	cmd := exec.Command(m.binPath, args...)
	cmd.Dir = m.workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	logFile.Close()

	mode := models.AgentOneshot
	if persistent {
		mode = models.AgentPersistent
	}
	proc := &workerProc{
		record: models.AgentRecord{
			AgentID:   agentID,
			Status:    models.AgentRunning,
			Mode:      mode,
			Task:      task,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now().UTC(),
		},
		cmd:     cmd,
		logPath: logPath,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[agentID] = proc
	m.mu.Unlock()

	go m.reap(proc)

	m.logger.Info(ctx, "worker spawned",
		"agent_id", agentID, "pid", proc.record.PID, "mode", string(mode))
	record := proc.record
	return &record, nil
}

// reap waits for the child and marks the local record exited.
func (m *Manager) reap(proc *workerProc) {
	err := proc.cmd.Wait()
	m.mu.Lock()
	proc.record.Status = models.AgentExited
	m.mu.Unlock()
	close(proc.done)
	if err != nil {
		m.logger.Warn(context.Background(), "worker exited with error",
			"agent_id", proc.record.AgentID, "error", err)
	}
}

// List merges the broker's registry (authoritative for status and
// heartbeats) with locally spawned processes the broker has not seen.
func (m *Manager) List(ctx context.Context) ([]models.AgentRecord, error) {
	byID := make(map[string]models.AgentRecord)
	order := []string{}

	m.mu.Lock()
	for id, proc := range m.procs {
		byID[id] = proc.record
		order = append(order, id)
	}
	m.mu.Unlock()

	if m.broker != nil {
		if snapshot, err := m.broker.Status(ctx); err == nil {
			for _, rec := range snapshot.Agents {
				if _, known := byID[rec.AgentID]; !known {
					order = append(order, rec.AgentID)
				}
				byID[rec.AgentID] = rec
			}
		}
	}

	records := make([]models.AgentRecord, 0, len(order))
	for _, id := range order {
		records = append(records, byID[id])
	}
	return records, nil
}

// Status returns one worker's record plus the tail of its log.
func (m *Manager) Status(ctx context.Context, agentID string) (*models.AgentRecord, string, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, "", err
	}
	var record *models.AgentRecord
	for i := range records {
		if records[i].AgentID == agentID {
			record = &records[i]
			break
		}
	}
	if record == nil {
		return nil, "", fmt.Errorf("agent %s not found", agentID)
	}

	tail := ""
	m.mu.Lock()
	proc, ok := m.procs[agentID]
	m.mu.Unlock()
	logPath := filepath.Join(m.stateDir, "agents", agentID+".log")
	if ok {
		logPath = proc.logPath
	}
	if data, err := tailFile(logPath, logTailBytes); err == nil {
		tail = data
	}
	return record, tail, nil
}

// Kill terminates one worker: SIGTERM, a grace period, then SIGKILL.
func (m *Manager) Kill(ctx context.Context, agentID string) error {
	m.mu.Lock()
	proc, ok := m.procs[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	select {
	case <-proc.done:
		return nil
	default:
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent %s: %w", agentID, err)
	}
	select {
	case <-proc.done:
	case <-time.After(killGrace):
		if err := proc.cmd.Process.Kill(); err != nil {
			m.logger.Warn(ctx, "sigkill failed", "agent_id", agentID, "error", err)
		}
		<-proc.done
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info(ctx, "worker killed", "agent_id", agentID)
	return nil
}

// KillAll terminates every live worker and returns how many were killed.
func (m *Manager) KillAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id, proc := range m.procs {
		select {
		case <-proc.done:
		default:
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	killed := 0
	for _, id := range ids {
		if err := m.Kill(ctx, id); err == nil {
			killed++
		}
	}
	return killed, nil
}

// ensureBroker dials the session socket and spawns `anvil broker` when
// nothing answers. The new broker runs detached and outlives this
// process only until session shutdown.
func (m *Manager) ensureBroker(ctx context.Context) error {
	if m.broker != nil && m.broker.Available() {
		return nil
	}

	cmd := exec.Command(m.binPath, "broker", "--session", m.sessionID)
	cmd.Dir = m.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	go cmd.Wait()

	deadline := time.Now().Add(brokerStartupWait)
	for time.Now().Before(deadline) {
		if m.broker != nil && m.broker.Available() {
			m.logger.Info(ctx, "session broker started", "session_id", m.sessionID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if m.broker != nil && !m.broker.Available() {
		return fmt.Errorf("broker did not come up on %s", broker.SocketPath(m.sessionID))
	}
	return nil
}

// tailFile returns up to max bytes from the end of a file, starting at
// the first complete line when truncated.
func tailFile(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > max {
		offset = info.Size() - max
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", err
	}
	out := string(buf)
	if offset > 0 {
		if idx := strings.IndexByte(out, '\n'); idx >= 0 && idx+1 < len(out) {
			out = out[idx+1:]
		}
	}
	return out, nil
}
