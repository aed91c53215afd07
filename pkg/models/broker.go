package models

import (
	"time"
)

// AgentStatus is the broker's view of a registered agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentBlocked AgentStatus = "blocked"
	AgentExited  AgentStatus = "exited"
)

// AgentMode distinguishes one-shot task agents from persistent workers.
type AgentMode string

const (
	AgentOneshot    AgentMode = "oneshot"
	AgentPersistent AgentMode = "persistent"
)

// AgentRecord is a broker registry entry for one agent process.
type AgentRecord struct {
	AgentID       string      `json:"agent_id"`
	Status        AgentStatus `json:"status"`
	Mode          AgentMode   `json:"mode"`
	Task          string      `json:"task,omitempty"`
	PID           int         `json:"pid"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// BrokerMessageType classifies inter-agent messages.
type BrokerMessageType string

const (
	MsgTask          BrokerMessageType = "task"
	MsgQuestion      BrokerMessageType = "question"
	MsgAnswer        BrokerMessageType = "answer"
	MsgClarification BrokerMessageType = "clarification"
	MsgGuidance      BrokerMessageType = "guidance"
	MsgDiscovery     BrokerMessageType = "discovery"
	MsgWarning       BrokerMessageType = "warning"
	MsgStatus        BrokerMessageType = "status"
	MsgStop          BrokerMessageType = "stop"
	MsgComplete      BrokerMessageType = "complete"
	MsgResponse      BrokerMessageType = "response"
	MsgBroadcast     BrokerMessageType = "broadcast"
)

// BrokerMessage is one message routed through the coordination broker.
// IDs are assigned by the broker and increase monotonically, so per-sender
// ordering is recoverable from ids alone.
type BrokerMessage struct {
	ID        int64             `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"` // agent id, "user", or "all"
	Type      BrokerMessageType `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read,omitempty"`
}

// LockKind separates the path-keyed file locks from the singleton git lock.
type LockKind string

const (
	LockFile LockKind = "file"
	LockGit  LockKind = "git"
)

// Lock records a broker-held advisory lock.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Kind       LockKind  `json:"kind"`
}
