package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// startBroker serves a real broker on its session socket and returns the
// session id.
func startBroker(t *testing.T) string {
	t.Helper()
	sessionID := fmt.Sprintf("brokertest-%d", time.Now().UnixNano())
	server := NewServer(sessionID, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	probe := NewClient(sessionID, "probe")
	deadline := time.Now().Add(2 * time.Second)
	for !probe.Available() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("broker did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return sessionID
}

func TestFileLockMutualExclusion(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	paths := []string{"/tmp/broker-test/main.go", "/tmp/broker-test/util.go"}
	if err := a.RequestFileLock(ctx, paths); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Re-acquire by the holder is idempotent.
	if err := a.RequestFileLock(ctx, paths); err != nil {
		t.Fatalf("holder re-acquire: %v", err)
	}

	// Overlap on a single path denies the whole request.
	err := b.RequestFileLock(ctx, []string{"/tmp/broker-test/util.go", "/tmp/broker-test/other.go"})
	if !IsLockDenied(err) {
		t.Fatalf("want lock denial, got %v", err)
	}

	// Denial is all-or-nothing: the non-overlapping path must still be
	// free for b after the denial.
	if err := b.RequestFileLock(ctx, []string{"/tmp/broker-test/other.go"}); err != nil {
		t.Fatalf("disjoint path after denial: %v", err)
	}

	if err := a.ReleaseFileLock(ctx, paths); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.RequestFileLock(ctx, paths); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseOnlyAffectsOwnLocks(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	path := []string{"/tmp/broker-test/owned.go"}
	if err := a.RequestFileLock(ctx, path); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// b releasing a's lock is a no-op, not an error.
	if err := b.ReleaseFileLock(ctx, path); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if err := b.RequestFileLock(ctx, path); !IsLockDenied(err) {
		t.Fatalf("lock should survive a foreign release, got %v", err)
	}
}

func TestGitLockSerializesHolders(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	if err := a.RequestGitLock(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := b.RequestGitLock(ctx)
	if !IsLockDenied(err) {
		t.Fatalf("want denial, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "agent-a") {
		t.Fatalf("denial should name the holder: %v", err)
	}

	// Releasing someone else's git lock does nothing.
	if err := b.ReleaseGitLock(ctx); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if err := b.RequestGitLock(ctx); !IsLockDenied(err) {
		t.Fatalf("lock should still be held, got %v", err)
	}

	if err := a.ReleaseGitLock(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.RequestGitLock(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestGitLockUnderContention(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()

	// Many goroutines hammer the git lock; at most one may hold it at any
	// moment. Holders increment inside the critical section.
	var inside atomic.Int32
	var overlapped atomic.Bool
	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := NewClient(sessionID, fmt.Sprintf("agent-%d", i))
			for attempt := 0; attempt < 50; attempt++ {
				if err := client.RequestGitLock(ctx); err != nil {
					if IsLockDenied(err) {
						time.Sleep(time.Millisecond)
						continue
					}
					t.Errorf("agent-%d: %v", i, err)
					return
				}
				if inside.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				acquired.Add(1)
				if err := client.ReleaseGitLock(ctx); err != nil {
					t.Errorf("agent-%d release: %v", i, err)
					return
				}
				return
			}
		}(i)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("git lock allowed two concurrent holders")
	}
	if got := acquired.Load(); got != 8 {
		t.Fatalf("only %d of 8 agents ever acquired the lock", got)
	}
}

func TestUnregisterReleasesLocks(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	if err := a.Register(ctx, models.AgentOneshot, "hold locks"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.RequestGitLock(ctx); err != nil {
		t.Fatalf("git lock: %v", err)
	}
	if err := a.RequestFileLock(ctx, []string{"/tmp/broker-test/f.go"}); err != nil {
		t.Fatalf("file lock: %v", err)
	}

	if err := a.Unregister(ctx); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := b.RequestGitLock(ctx); err != nil {
		t.Fatalf("git lock after unregister: %v", err)
	}
	if err := b.RequestFileLock(ctx, []string{"/tmp/broker-test/f.go"}); err != nil {
		t.Fatalf("file lock after unregister: %v", err)
	}

	// A cleanly exited agent does not linger in the snapshot.
	snap, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, rec := range snap.Agents {
		if rec.AgentID == "agent-a" {
			t.Fatalf("agent-a still in snapshot after unregister: %+v", rec)
		}
	}
}

func TestMessagingInboxAndAck(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	parent := NewClient(sessionID, "user")
	worker := NewClient(sessionID, "worker-1")

	id1, err := parent.SendMessage(ctx, "worker-1", models.MsgTask, "run the tests")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id2, err := parent.SendMessage(ctx, "worker-1", models.MsgGuidance, "prefer -race")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids must increase: %d then %d", id1, id2)
	}

	// Poll is non-destructive.
	for range 2 {
		msgs, err := worker.PollInbox(ctx)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Type != models.MsgTask || msgs[1].Type != models.MsgGuidance {
			t.Fatalf("inbox: %+v", msgs)
		}
	}

	// Selective ack removes only the named message.
	n, err := worker.Acknowledge(ctx, []int64{id1})
	if err != nil || n != 1 {
		t.Fatalf("ack: n=%d err=%v", n, err)
	}
	msgs, _ := worker.PollInbox(ctx)
	if len(msgs) != 1 || msgs[0].ID != id2 {
		t.Fatalf("inbox after ack: %+v", msgs)
	}

	// History survives acknowledgment.
	hist, err := worker.MessageHistory(ctx)
	if err != nil || len(hist) != 2 {
		t.Fatalf("history: %v %v", hist, err)
	}
}

func TestBroadcastSkipsSenderAndExited(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	sender := NewClient(sessionID, "user")
	w1 := NewClient(sessionID, "w1")
	w2 := NewClient(sessionID, "w2")

	for _, c := range []*Client{sender, w1, w2} {
		if err := c.Register(ctx, models.AgentPersistent, ""); err != nil {
			t.Fatalf("register %s: %v", c.AgentID(), err)
		}
	}
	if err := w2.Unregister(ctx); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	if _, err := sender.SendMessage(ctx, "all", models.MsgBroadcast, "sync up"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if msgs, _ := w1.PollInbox(ctx); len(msgs) != 1 || msgs[0].Content != "sync up" {
		t.Fatalf("w1 inbox: %+v", msgs)
	}
	if msgs, _ := w2.PollInbox(ctx); len(msgs) != 0 {
		t.Fatalf("exited agent should not receive broadcasts: %+v", msgs)
	}
	if msgs, _ := sender.PollInbox(ctx); len(msgs) != 0 {
		t.Fatalf("sender should not receive its own broadcast: %+v", msgs)
	}
}

func TestKnowledgeBoard(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	if err := a.SendDiscovery(ctx, "config lives in .anvil/config.json5"); err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if err := a.SendWarning(ctx, "tests mutate the repo"); err != nil {
		t.Fatalf("warning: %v", err)
	}
	if err := a.SendDiscovery(ctx, "broker socket is per session"); err != nil {
		t.Fatalf("discovery: %v", err)
	}

	discoveries, err := b.Discoveries(ctx)
	if err != nil {
		t.Fatalf("get discoveries: %v", err)
	}
	if len(discoveries) != 2 || discoveries[0].Content != "broker socket is per session" {
		t.Fatalf("newest-first discoveries: %+v", discoveries)
	}
	warnings, err := b.Warnings(ctx)
	if err != nil || len(warnings) != 1 {
		t.Fatalf("warnings: %v %v", warnings, err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")

	if err := a.Register(ctx, models.AgentPersistent, "inspect things"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.RequestGitLock(ctx); err != nil {
		t.Fatalf("git lock: %v", err)
	}

	snap, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].AgentID != "agent-a" {
		t.Fatalf("agents: %+v", snap.Agents)
	}
	if snap.GitLock == nil || snap.GitLock.Holder != "agent-a" {
		t.Fatalf("git lock: %+v", snap.GitLock)
	}
}

func TestClientUnavailableWithoutServer(t *testing.T) {
	client := NewClient(fmt.Sprintf("nobody-%d", time.Now().UnixNano()), "agent-a")
	if client.Available() {
		t.Fatal("no server should be reachable")
	}
	err := client.RequestGitLock(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("want unavailable, got %v", err)
	}
}

func TestNormalizePathCollapsesSpellings(t *testing.T) {
	sessionID := startBroker(t)
	ctx := context.Background()
	a := NewClient(sessionID, "agent-a")
	b := NewClient(sessionID, "agent-b")

	if err := a.RequestFileLock(ctx, []string{"/tmp/broker-test/./src/../src/main.go"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := b.RequestFileLock(ctx, []string{"/tmp/broker-test/src/main.go"}); !IsLockDenied(err) {
		t.Fatalf("cleaned spelling should contend, got %v", err)
	}
}
