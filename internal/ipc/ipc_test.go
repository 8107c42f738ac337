package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/agentruntime"
	"github.com/andywolf/agentium-supervisor/internal/broker"
	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/orchestrator"
	"github.com/andywolf/agentium-supervisor/internal/snapshot"
	"github.com/andywolf/agentium-supervisor/internal/streamnorm"
	"github.com/andywolf/agentium-supervisor/internal/supervisor"
)

type fakeGit struct{}

func (fakeGit) CreateWorktree(ctx context.Context, repoDir, worktreeDir, branch string) error {
	return nil
}
func (fakeGit) Fetch(ctx context.Context, repoDir, remote string, prune bool) error { return nil }
func (fakeGit) DefaultBranch(ctx context.Context, repoDir string) (string, error)   { return "main", nil }
func (fakeGit) CheckoutAndReset(ctx context.Context, repoDir, branch, resetTo string) error {
	return nil
}
func (fakeGit) RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error { return nil }
func (fakeGit) Rebase(ctx context.Context, worktreeDir, onto string) (gitadapter.ConflictSet, error) {
	return nil, nil
}
func (fakeGit) FastForwardMerge(ctx context.Context, repoDir, branch string) error { return nil }
func (fakeGit) ForcePush(ctx context.Context, worktreeDir, branch string) error    { return nil }
func (fakeGit) Push(ctx context.Context, repoDir, branch string) error            { return nil }
func (fakeGit) HeadSHA(ctx context.Context, dir string) (string, error)           { return "deadbeef", nil }
func (fakeGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}

type fakeIssues struct {
	ready []issuebackend.Issue
}

func (f *fakeIssues) List(ctx context.Context) ([]issuebackend.Issue, error) { return f.ready, nil }
func (f *fakeIssues) Ready(ctx context.Context) ([]issuebackend.Issue, error) {
	return f.ready, nil
}
func (f *fakeIssues) Get(ctx context.Context, id string) (issuebackend.Issue, error) {
	for _, i := range f.ready {
		if i.ID == id {
			return i, nil
		}
	}
	return issuebackend.Issue{}, fmt.Errorf("not found: %s", id)
}
func (f *fakeIssues) Create(ctx context.Context, title, body string, deps []string) (issuebackend.Issue, error) {
	return issuebackend.Issue{ID: "I-new", Title: title, Body: body, Dependencies: deps, Status: issuebackend.StatusOpen}, nil
}
func (f *fakeIssues) Update(ctx context.Context, id string, status issuebackend.Status) error {
	return nil
}
func (f *fakeIssues) Close(ctx context.Context, id string) error                     { return nil }
func (f *fakeIssues) Comment(ctx context.Context, id string, c issuebackend.Comment) error { return nil }
func (f *fakeIssues) Plan(ctx context.Context, id, plan string) error                { return nil }
func (f *fakeIssues) CreatePullRequest(ctx context.Context, branch, title, body string) (string, error) {
	return "", fmt.Errorf("fakeIssues: pull requests unsupported")
}

type fakeLogger struct{}

func (fakeLogger) Info(msg string, kv ...any)  {}
func (fakeLogger) Warn(msg string, kv ...any)  {}
func (fakeLogger) Error(msg string, kv ...any) {}

func counterIDs(prefix string) orchestrator.IDGenerator {
	var n int32
	return func() string {
		v := atomic.AddInt32(&n, 1)
		return fmt.Sprintf("%s%d", prefix, v)
	}
}

func exitingSpec(code int) orchestrator.SpecFactory {
	return func(agentID, issueID, worktreeDir, branch string) agentruntime.Spec {
		return agentruntime.Spec{
			AgentID: agentID,
			Project: "proj",
			Mode:    agentruntime.ModeInteractive,
			Dialect: streamnorm.ClaudeCodeDialect{},
			Encoder: agentruntime.ClaudeCodeEncoder{},
			Build: func(ctx context.Context, resumeToken, message string) (*exec.Cmd, error) {
				return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("exit %d", code)), nil
			},
		}
	}
}

func longRunningSpec() orchestrator.SpecFactory {
	return func(agentID, issueID, worktreeDir, branch string) agentruntime.Spec {
		return agentruntime.Spec{
			AgentID: agentID,
			Project: "proj",
			Mode:    agentruntime.ModeInteractive,
			Dialect: streamnorm.ClaudeCodeDialect{},
			Encoder: agentruntime.ClaudeCodeEncoder{},
			Build: func(ctx context.Context, resumeToken, message string) (*exec.Cmd, error) {
				return exec.CommandContext(ctx, "sh", "-c", "sleep 30"), nil
			},
		}
	}
}

func newTestServerWithSpec(t *testing.T, spec orchestrator.SpecFactory) (*Server, string) {
	t.Helper()
	store, err := snapshot.Open(t.TempDir() + "/agents.json")
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	sup := supervisor.New(claim.New(), broker.New(nil), fakeGit{}, store, counterIDs("a"), fakeLogger{})

	builder := func(ps supervisor.ProjectSpec) (issuebackend.Backend, orchestrator.SpecFactory, error) {
		return &fakeIssues{ready: []issuebackend.Issue{{ID: "I-1", Status: issuebackend.StatusOpen}}}, spec, nil
	}

	socketPath := t.TempDir() + "/agentium.sock"
	return New(sup, socketPath, builder, fakeLogger{}), socketPath
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	return newTestServerWithSpec(t, exitingSpec(0))
}

func startServer(t *testing.T, s *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down")
		}
	})
	return cancel
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", socketPath, err)
	return nil
}

func sendRequest(t *testing.T, conn net.Conn, typ, id string, payload any) {
	t.Helper()
	req := map[string]any{"type": typ, "id": id}
	if payload != nil {
		req["payload"] = payload
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// readUntil scans lines until match returns true for a decoded line, or the
// deadline elapses, returning the matching line.
func readUntil(t *testing.T, scanner *bufio.Scanner, match func(map[string]any) bool) map[string]any {
	t.Helper()
	type result struct {
		line map[string]any
		ok   bool
	}
	lineCh := make(chan result)
	go func() {
		for scanner.Scan() {
			var line map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			lineCh <- result{line: line, ok: true}
			if match(line) {
				return
			}
		}
		lineCh <- result{ok: false}
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-lineCh:
			if !r.ok {
				t.Fatal("connection closed before a matching line arrived")
			}
			if match(r.line) {
				return r.line
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching line")
		}
	}
}

func TestPingRoundTrip(t *testing.T) {
	s, path := newTestServer(t)
	startServer(t, s)

	conn := dial(t, path)
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, "server.ping", "r1", nil)
	line := readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "r1" })

	if line["success"] != true {
		t.Fatalf("expected success, got %+v", line)
	}
}

func TestUnknownRequestTypeReturnsTypedError(t *testing.T) {
	s, path := newTestServer(t)
	startServer(t, s)

	conn := dial(t, path)
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, "bogus.type", "r1", nil)
	line := readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "r1" })

	if line["success"] != false {
		t.Fatalf("expected failure, got %+v", line)
	}
	payload, _ := line["payload"].(map[string]any)
	if payload["error"] != ErrKindUnknownRequest {
		t.Fatalf("expected unknown-request error kind, got %+v", payload)
	}
}

func TestMalformedPayloadIsProtocolViolationNotConnectionDrop(t *testing.T) {
	s, path := newTestServer(t)
	startServer(t, s)

	conn := dial(t, path)
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	// project.add payload must be a JSON object; send a string instead.
	sendRequest(t, conn, "project.add", "r1", "not-an-object")
	line := readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "r1" })
	if line["success"] != false {
		t.Fatalf("expected failure, got %+v", line)
	}

	// The connection must still be usable afterwards (spec.md section 7:
	// protocol-violation never closes the connection).
	sendRequest(t, conn, "server.ping", "r2", nil)
	line2 := readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "r2" })
	if line2["success"] != true {
		t.Fatalf("expected ping to still succeed after a malformed request, got %+v", line2)
	}
}

func TestProjectLifecycleAndAgentCompletion(t *testing.T) {
	// A long-running child keeps the agent alive until we explicitly call
	// agent.done, avoiding a race against the orchestrator's own
	// natural-exit reconciliation (see internal/supervisor's equivalent
	// test, which makes the same choice for the same reason).
	s, path := newTestServerWithSpec(t, longRunningSpec())
	startServer(t, s)

	conn := dial(t, path)
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, "project.add", "add1", map[string]any{
		"name":             "proj",
		"repo_dir":         "/repo",
		"worktree_root":    "/worktrees",
		"branch_prefix":    "agent",
		"cap":              2,
		"tick_interval_ms": 20,
	})
	resp := readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "add1" })
	if resp["success"] != true {
		t.Fatalf("project.add failed: %+v", resp)
	}

	sendRequest(t, conn, "orchestration.start", "start1", map[string]any{"name": "proj"})
	resp = readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "start1" })
	if resp["success"] != true {
		t.Fatalf("orchestration.start failed: %+v", resp)
	}

	sendRequest(t, conn, "orchestration.tick", "tick1", map[string]any{"name": "proj"})
	readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "tick1" })

	var agentID string
	deadline := time.Now().Add(3 * time.Second)
	for agentID == "" && time.Now().Before(deadline) {
		sendRequest(t, conn, "agent.list", "list", map[string]any{"name": "proj"})
		resp = readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "list" })
		payload, _ := resp["payload"].(map[string]any)
		if agents, ok := payload["agents"].([]any); ok && len(agents) > 0 {
			agentID, _ = agents[0].(string)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if agentID == "" {
		t.Fatal("no agent spawned in time")
	}

	sendRequest(t, conn, "agent.done", "done1", map[string]any{"project": "proj", "agent_id": agentID})
	resp = readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "done1" })
	if resp["success"] != true {
		t.Fatalf("agent.done failed: %+v", resp)
	}
}

func TestAttachDeliversEventsInterleavedWithResponses(t *testing.T) {
	s, path := newTestServer(t)
	startServer(t, s)

	conn := dial(t, path)
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, "attach", "attach1", map[string]any{"projects": []string{}})
	readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "attach1" })

	sendRequest(t, conn, "project.add", "add1", map[string]any{
		"name":             "proj",
		"repo_dir":         "/repo",
		"worktree_root":    "/worktrees",
		"branch_prefix":    "agent",
		"cap":              2,
		"tick_interval_ms": 20,
	})
	readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "add1" })

	sendRequest(t, conn, "orchestration.start", "start1", map[string]any{"name": "proj"})
	readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "start1" })

	sendRequest(t, conn, "orchestration.tick", "tick1", map[string]any{"name": "proj"})
	readUntil(t, scanner, func(l map[string]any) bool { return l["id"] == "tick1" })

	readUntil(t, scanner, func(l map[string]any) bool {
		typ, _ := l["type"].(string)
		return typ == string(supervisor.EventAgentState)
	})
}
