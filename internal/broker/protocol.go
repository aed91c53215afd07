// Package broker implements the per-session coordination service: a local
// unix-socket server that serializes file and git locks, routes messages
// between sibling agents, and keeps the shared knowledge board.
//
// The wire protocol is length-prefixed JSON: a 4-byte big-endian length
// followed by one {op, ...} request object, answered by one {ok, ...}
// response. Clients are short-lived per request; the server's state is
// owned by a single event-loop goroutine, so all mutations are totally
// ordered.
package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/haasonsaas/anvil/pkg/models"
)

// maxFrameSize bounds a single protocol frame (4 MiB).
const maxFrameSize = 4 << 20

// Operation names.
const (
	OpRegister          = "register"
	OpHeartbeat         = "heartbeat"
	OpUnregister        = "unregister"
	OpRequestFileLock   = "request_file_lock"
	OpReleaseFileLock   = "release_file_lock"
	OpRequestGitLock    = "request_git_lock"
	OpReleaseGitLock    = "release_git_lock"
	OpSendMessage       = "send_message"
	OpPollInbox         = "poll_inbox"
	OpAcknowledge       = "acknowledge"
	OpMessageHistory    = "get_message_history"
	OpSendDiscovery     = "send_discovery"
	OpSendWarning       = "send_warning"
	OpGetDiscoveries    = "get_discoveries"
	OpGetWarnings       = "get_warnings"
	OpGetStatus         = "get_status"
	OpShutdown          = "shutdown"
)

// Request is one client call. Fields beyond Op are populated per
// operation; unused fields stay empty on the wire.
type Request struct {
	Op      string   `json:"op"`
	AgentID string   `json:"agent_id,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Task    string   `json:"task,omitempty"`
	PID     int      `json:"pid,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	To      string   `json:"to,omitempty"`
	Type    string   `json:"type,omitempty"`
	Content string   `json:"content,omitempty"`
	IDs     []int64  `json:"ids,omitempty"`
}

// Response is the server's answer.
type Response struct {
	OK       bool                   `json:"ok"`
	Error    string                 `json:"error,omitempty"`
	Denied   bool                   `json:"denied,omitempty"` // lock contention, not a failure
	Holder   string                 `json:"holder,omitempty"`
	MsgID    int64                  `json:"msg_id,omitempty"`
	Count    int                    `json:"count,omitempty"`
	Messages []models.BrokerMessage `json:"messages,omitempty"`
	Status   *StatusSnapshot        `json:"status,omitempty"`
}

/// StatusSnapshot is the get_status payload: registry, lock tables, and
// queue depths at one serialization point.
type StatusSnapshot struct {
	Agents      []models.AgentRecord `json:"agents"`
	FileLocks   []models.Lock        `json:"file_locks"`
	GitLock     *models.Lock         `json:"git_lock,omitempty"`
	InboxDepths map[string]int       `json:"inbox_depths"`
	Discoveries int                  `json:"discoveries"`
	Warnings    int                  `json:"warnings"`
}

// SocketPath returns the well-known endpoint for a session's broker.
func SocketPath(sessionID string) string {
	name := fmt.Sprintf("anvil-broker-%s.sock", filepath.Base(filepath.Clean(sessionID)))
	return filepath.Join(os.TempDir(), name)
}

// WriteFrame writes one length-prefixed JSON value.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed JSON value into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
