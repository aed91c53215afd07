package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Client-side errors.
var (
	// ErrUnavailable indicates the broker socket is absent or dead.
	// Callers degrade to no coordination.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrLockDenied indicates the broker denied a lock request because
	// another agent holds it.
	ErrLockDenied = errors.New("lock denied")
)

// dialTimeout bounds one connection attempt.
const dialTimeout = 2 * time.Second

// Client talks to a session's broker. Connections are short-lived: each
// request dials, exchanges one frame pair, and closes. Safe for
// concurrent use.
type Client struct {
	socketPath string
	agentID    string
}

// NewClient creates a client for the session's broker, identifying as
// agentID.
func NewClient(sessionID, agentID string) *Client {
	return &Client{socketPath: SocketPath(sessionID), agentID: agentID}
}

// AgentID returns the identity this client registers under.
func (c *Client) AgentID() string { return c.agentID }

// Available reports whether the broker answers on its socket.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	req.AgentID = c.agentID

	var d net.Dialer
	d.Timeout = dialTimeout
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

// Register announces this agent to the broker.
func (c *Client) Register(ctx context.Context, mode models.AgentMode, task string) error {
	_, err := c.call(ctx, &Request{Op: OpRegister, Mode: string(mode), Task: task, PID: os.Getpid()})
	return err
}

// Heartbeat refreshes this agent's liveness.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpHeartbeat})
	return err
}

// Unregister withdraws this agent and releases its locks.
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpUnregister})
	return err
}

// RequestFileLock acquires all paths or none. A denial returns
// ErrLockDenied wrapped with the current holder.
func (c *Client) RequestFileLock(ctx context.Context, paths []string) error {
	resp, err := c.call(ctx, &Request{Op: OpRequestFileLock, Paths: paths})
	if err != nil {
		return err
	}
	if resp.Denied {
		return fmt.Errorf("%w: held by %s", ErrLockDenied, resp.Holder)
	}
	return nil
}

// ReleaseFileLock releases paths this agent holds.
func (c *Client) ReleaseFileLock(ctx context.Context, paths []string) error {
	_, err := c.call(ctx, &Request{Op: OpReleaseFileLock, Paths: paths})
	return err
}

// RequestGitLock acquires the singleton git lock.
func (c *Client) RequestGitLock(ctx context.Context) error {
	resp, err := c.call(ctx, &Request{Op: OpRequestGitLock})
	if err != nil {
		return err
	}
	if resp.Denied {
		return fmt.Errorf("%w: held by %s", ErrLockDenied, resp.Holder)
	}
	return nil
}

// ReleaseGitLock releases the git lock if this agent holds it.
func (c *Client) ReleaseGitLock(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpReleaseGitLock})
	return err
}

// SendMessage routes a message to an agent id, "user", or "all".
func (c *Client) SendMessage(ctx context.Context, to string, typ models.BrokerMessageType, content string) (int64, error) {
	resp, err := c.call(ctx, &Request{Op: OpSendMessage, To: to, Type: string(typ), Content: content})
	if err != nil {
		return 0, err
	}
	return resp.MsgID, nil
}

// PollInbox returns this agent's queued messages without clearing them.
func (c *Client) PollInbox(ctx context.Context) ([]models.BrokerMessage, error) {
	resp, err := c.call(ctx, &Request{Op: OpPollInbox})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Acknowledge clears messages by id, or all when ids is empty. Returns
// the number cleared.
func (c *Client) Acknowledge(ctx context.Context, ids []int64) (int, error) {
	resp, err := c.call(ctx, &Request{Op: OpAcknowledge, IDs: ids})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// MessageHistory returns every message ever delivered to this agent.
func (c *Client) MessageHistory(ctx context.Context) ([]models.BrokerMessage, error) {
	resp, err := c.call(ctx, &Request{Op: OpMessageHistory})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendDiscovery posts to the shared discovery board.
func (c *Client) SendDiscovery(ctx context.Context, content string) error {
	_, err := c.call(ctx, &Request{Op: OpSendDiscovery, Content: content})
	return err
}

// SendWarning posts to the shared warning board.
func (c *Client) SendWarning(ctx context.Context, content string) error {
	_, err := c.call(ctx, &Request{Op: OpSendWarning, Content: content})
	return err
}

// Discoveries returns the shared discovery board, newest first.
func (c *Client) Discoveries(ctx context.Context) ([]models.BrokerMessage, error) {
	resp, err := c.call(ctx, &Request{Op: OpGetDiscoveries})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Warnings returns the shared warning board, newest first.
func (c *Client) Warnings(ctx context.Context) ([]models.BrokerMessage, error) {
	resp, err := c.call(ctx, &Request{Op: OpGetWarnings})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Status snapshots the broker's registry and lock tables.
func (c *Client) Status(ctx context.Context) (*StatusSnapshot, error) {
	resp, err := c.call(ctx, &Request{Op: OpGetStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Shutdown asks the broker to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpShutdown})
	return err
}

// IsUnavailable reports whether err means the broker is gone rather than
// a real failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsLockDenied reports whether err is a lock denial.
func IsLockDenied(err error) bool {
	return errors.Is(err, ErrLockDenied)
}
