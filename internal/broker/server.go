package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Timing and capacity defaults.
const (
	// HeartbeatInterval is how often agents should heartbeat.
	HeartbeatInterval = 10 * time.Second

	// heartbeatThreshold marks an agent exited after this much silence.
	heartbeatThreshold = 3 * HeartbeatInterval

	// DefaultKnowledgeCap bounds the discovery and warning lists.
	DefaultKnowledgeCap = 200
)

// Server is the per-session coordination broker. One goroutine owns all
// state; connection handlers forward requests through a channel and wait
// for the reply, giving every mutation a single serialization point.
type Server struct {
	sessionID    string
	socketPath   string
	knowledgeCap int
	logger       *observability.Logger
	metrics      *observability.Metrics

	requests chan serverRequest
	listener net.Listener

	closeOnce sync.Once
	done      chan struct{}

	// Event-loop state. Only the loop goroutine touches these.
	agents      map[string]*models.AgentRecord
	fileLocks   map[string]models.Lock // normalized absolute path -> lock
	gitLock     *models.Lock
	inboxes     map[string][]models.BrokerMessage
	history     map[string][]models.BrokerMessage
	discoveries []models.BrokerMessage
	warnings    []models.BrokerMessage
	nextMsgID   int64
}

type serverRequest struct {
	req   *Request
	reply chan *Response
}

// NewServer creates a broker for the session. Call Serve to start.
func NewServer(sessionID string, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		sessionID:    sessionID,
		socketPath:   SocketPath(sessionID),
		knowledgeCap: DefaultKnowledgeCap,
		logger:       logger,
		metrics:      metrics,
		requests:     make(chan serverRequest),
		done:         make(chan struct{}),
		agents:       map[string]*models.AgentRecord{},
		fileLocks:    map[string]models.Lock{},
		inboxes:      map[string][]models.BrokerMessage{},
		history:      map[string][]models.BrokerMessage{},
		nextMsgID:    1,
	}
}

// SocketPath returns the endpoint this server listens on.
func (s *Server) Endpoint() string { return s.socketPath }

// Serve listens on the session socket and runs the event loop until ctx
// is canceled or a shutdown request arrives. The socket file is removed
// on exit.
func (s *Server) Serve(ctx context.Context) error {
	// A stale socket from a dead broker blocks the listener; remove it if
	// nothing answers.
	if _, err := os.Stat(s.socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("broker already running for session %s", s.sessionID)
		}
		os.Remove(s.socketPath)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.listener = listener
	defer os.Remove(s.socketPath)

	s.logger.Info(ctx, "broker listening", "session_id", s.sessionID, "socket", s.socketPath)

	go s.acceptLoop(ctx)
	s.eventLoop(ctx)
	return nil
}

// Close stops the broker.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			case <-ctx.Done():
			default:
				s.logger.Warn(ctx, "broker accept failed", "error", err)
			}
			return
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one short-lived client connection: requests are read
// until EOF and each is forwarded to the event loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		reply := make(chan *Response, 1)
		select {
		case s.requests <- serverRequest{req: &req, reply: reply}:
		case <-s.done:
			return
		}
		var resp *Response
		select {
		case resp = <-reply:
		case <-s.done:
			return
		}
		if err := WriteFrame(conn, resp); err != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.RecordBrokerRequest(req.Op, resp.OK)
		}
	}
}

// eventLoop is the single serialization point for all broker state.
func (s *Server) eventLoop(ctx context.Context) {
	reaper := time.NewTicker(HeartbeatInterval)
	defer reaper.Stop()
	for {
		select {
		case sr := <-s.requests:
			resp := s.dispatch(ctx, sr.req)
			sr.reply <- resp
			if sr.req.Op == OpShutdown && resp.OK {
				s.Close()
				return
			}
		case <-reaper.C:
			s.reap(ctx)
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Op {
	case OpRegister:
		return s.register(ctx, req)
	case OpHeartbeat:
		return s.heartbeat(req)
	case OpUnregister:
		return s.unregister(ctx, req)
	case OpRequestFileLock:
		return s.requestFileLock(req)
	case OpReleaseFileLock:
		return s.releaseFileLock(req)
	case OpRequestGitLock:
		return s.requestGitLock(req)
	case OpReleaseGitLock:
		return s.releaseGitLock(req)
	case OpSendMessage:
		return s.sendMessage(req)
	case OpPollInbox:
		return s.pollInbox(req)
	case OpAcknowledge:
		return s.acknowledge(req)
	case OpMessageHistory:
		return s.messageHistory(req)
	case OpSendDiscovery:
		return s.appendKnowledge(&s.discoveries, models.MsgDiscovery, req)
	case OpSendWarning:
		return s.appendKnowledge(&s.warnings, models.MsgWarning, req)
	case OpGetDiscoveries:
		return &Response{OK: true, Messages: append([]models.BrokerMessage(nil), s.discoveries...)}
	case OpGetWarnings:
		return &Response{OK: true, Messages: append([]models.BrokerMessage(nil), s.warnings...)}
	case OpGetStatus:
		return s.status()
	case OpShutdown:
		return &Response{OK: true}
	default:
		return &Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// register is idempotent: re-registering refreshes the record.
func (s *Server) register(ctx context.Context, req *Request) *Response {
	if req.AgentID == "" {
		return &Response{Error: "agent_id is required"}
	}
	now := time.Now().UTC()
	mode := models.AgentMode(req.Mode)
	if mode == "" {
		mode = models.AgentOneshot
	}
	if existing, ok := s.agents[req.AgentID]; ok {
		existing.Status = models.AgentRunning
		existing.LastHeartbeat = now
		return &Response{OK: true}
	}
	s.agents[req.AgentID] = &models.AgentRecord{
		AgentID:       req.AgentID,
		Status:        models.AgentRunning,
		Mode:          mode,
		Task:          req.Task,
		PID:           req.PID,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	s.logger.Info(ctx, "agent registered", "agent_id", req.AgentID, "mode", string(mode), "pid", req.PID)
	return &Response{OK: true}
}

func (s *Server) heartbeat(req *Request) *Response {
	rec, ok := s.agents[req.AgentID]
	if !ok {
		return &Response{Error: "agent not registered"}
	}
	rec.LastHeartbeat = time.Now().UTC()
	if rec.Status == models.AgentExited {
		rec.Status = models.AgentRunning
	}
	return &Response{OK: true}
}

// unregister removes the record entirely: a clean exit should not linger
// in status snapshots. Crashed agents are instead marked exited by the
// reaper so the operator can see them.
func (s *Server) unregister(ctx context.Context, req *Request) *Response {
	delete(s.agents, req.AgentID)
	s.releaseAllLocks(req.AgentID)
	s.logger.Info(ctx, "agent unregistered", "agent_id", req.AgentID)
	return &Response{OK: true}
}

// requestFileLock grants all paths or none, deciding against the current
// state snapshot. No wait queue: a denied caller backs off and retries.
func (s *Server) requestFileLock(req *Request) *Response {
	if req.AgentID == "" || len(req.Paths) == 0 {
		return &Response{Error: "agent_id and paths are required"}
	}
	paths := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		paths[i] = normalizePath(p)
	}
	for _, p := range paths {
		if held, ok := s.fileLocks[p]; ok && held.Holder != req.AgentID {
			return &Response{OK: true, Denied: true, Holder: held.Holder}
		}
	}
	now := time.Now().UTC()
	for _, p := range paths {
		s.fileLocks[p] = models.Lock{Resource: p, Holder: req.AgentID, AcquiredAt: now, Kind: models.LockFile}
	}
	return &Response{OK: true}
}

// releaseFileLock releases only paths the requester holds.
func (s *Server) releaseFileLock(req *Request) *Response {
	released := 0
	for _, p := range req.Paths {
		p = normalizePath(p)
		if held, ok := s.fileLocks[p]; ok && held.Holder == req.AgentID {
			delete(s.fileLocks, p)
			released++
		}
	}
	return &Response{OK: true, Count: released}
}

func (s *Server) requestGitLock(req *Request) *Response {
	if req.AgentID == "" {
		return &Response{Error: "agent_id is required"}
	}
	if s.gitLock != nil && s.gitLock.Holder != req.AgentID {
		return &Response{OK: true, Denied: true, Holder: s.gitLock.Holder}
	}
	s.gitLock = &models.Lock{
		Resource:   "git",
		Holder:     req.AgentID,
		AcquiredAt: time.Now().UTC(),
		Kind:       models.LockGit,
	}
	return &Response{OK: true}
}

func (s *Server) releaseGitLock(req *Request) *Response {
	if s.gitLock != nil && s.gitLock.Holder == req.AgentID {
		s.gitLock = nil
		return &Response{OK: true, Count: 1}
	}
	return &Response{OK: true, Count: 0}
}

func (s *Server) sendMessage(req *Request) *Response {
	if req.To == "" {
		return &Response{Error: "recipient is required"}
	}
	msg := models.BrokerMessage{
		ID:        s.nextMsgID,
		From:      req.AgentID,
		To:        req.To,
		Type:      models.BrokerMessageType(req.Type),
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
	}
	s.nextMsgID++

	if req.To == "all" {
		for id := range s.agents {
			if id == req.AgentID || s.agents[id].Status == models.AgentExited {
				continue
			}
			copy := msg
			copy.To = id
			s.inboxes[id] = append(s.inboxes[id], copy)
			s.history[id] = append(s.history[id], copy)
		}
	} else {
		s.inboxes[req.To] = append(s.inboxes[req.To], msg)
		s.history[req.To] = append(s.history[req.To], msg)
	}
	return &Response{OK: true, MsgID: msg.ID}
}

// pollInbox is non-destructive: messages stay queued until acknowledged.
func (s *Server) pollInbox(req *Request) *Response {
	msgs := s.inboxes[req.AgentID]
	return &Response{OK: true, Messages: append([]models.BrokerMessage(nil), msgs...)}
}

// acknowledge clears messages by id, or all when no ids are given.
func (s *Server) acknowledge(req *Request) *Response {
	inbox := s.inboxes[req.AgentID]
	if len(req.IDs) == 0 {
		s.inboxes[req.AgentID] = nil
		return &Response{OK: true, Count: len(inbox)}
	}
	ack := map[int64]bool{}
	for _, id := range req.IDs {
		ack[id] = true
	}
	kept := inbox[:0]
	cleared := 0
	for _, m := range inbox {
		if ack[m.ID] {
			cleared++
		} else {
			kept = append(kept, m)
		}
	}
	s.inboxes[req.AgentID] = kept
	return &Response{OK: true, Count: cleared}
}

func (s *Server) messageHistory(req *Request) *Response {
	msgs := s.history[req.AgentID]
	return &Response{OK: true, Messages: append([]models.BrokerMessage(nil), msgs...)}
}

// appendKnowledge prepends to a shared list, newest first, capped.
func (s *Server) appendKnowledge(list *[]models.BrokerMessage, typ models.BrokerMessageType, req *Request) *Response {
	msg := models.BrokerMessage{
		ID:        s.nextMsgID,
		From:      req.AgentID,
		To:        "all",
		Type:      typ,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
	}
	s.nextMsgID++
	*list = append([]models.BrokerMessage{msg}, *list...)
	if len(*list) > s.knowledgeCap {
		*list = (*list)[:s.knowledgeCap]
	}
	return &Response{OK: true, MsgID: msg.ID}
}

func (s *Server) status() *Response {
	snap := &StatusSnapshot{InboxDepths: map[string]int{}}
	for _, rec := range s.agents {
		snap.Agents = append(snap.Agents, *rec)
	}
	for _, lock := range s.fileLocks {
		snap.FileLocks = append(snap.FileLocks, lock)
	}
	if s.gitLock != nil {
		copy := *s.gitLock
		snap.GitLock = &copy
	}
	for id, inbox := range s.inboxes {
		snap.InboxDepths[id] = len(inbox)
	}
	snap.Discoveries = len(s.discoveries)
	snap.Warnings = len(s.warnings)
	return &Response{OK: true, Status: snap}
}

// reap marks agents silent past the threshold as exited and releases
// their locks.
func (s *Server) reap(ctx context.Context) {
	cutoff := time.Now().Add(-heartbeatThreshold)
	for id, rec := range s.agents {
		if rec.Status == models.AgentExited || rec.LastHeartbeat.After(cutoff) {
			continue
		}
		rec.Status = models.AgentExited
		s.releaseAllLocks(id)
		s.logger.Warn(ctx, "agent reaped after missed heartbeats", "agent_id", id)
	}
}

func (s *Server) releaseAllLocks(agentID string) {
	for p, lock := range s.fileLocks {
		if lock.Holder == agentID {
			delete(s.fileLocks, p)
		}
	}
	if s.gitLock != nil && s.gitLock.Holder == agentID {
		s.gitLock = nil
	}
}

// normalizePath keys file locks on absolute cleaned paths so two spellings
// of one file contend correctly. Symlinks are resolved when possible.
func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}
