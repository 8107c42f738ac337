package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/agentruntime"
	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/commitlog"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/mergepipeline"
	"github.com/andywolf/agentium-supervisor/internal/streamnorm"
)

type fakeIssues struct {
	issuebackend.Backend
	ready  []issuebackend.Issue
	closed string
}

func (f *fakeIssues) Ready(ctx context.Context) ([]issuebackend.Issue, error) {
	return f.ready, nil
}

func (f *fakeIssues) Close(ctx context.Context, id string) error {
	f.closed = id
	return nil
}

type fakeGit struct {
	worktreesCreated []string
}

func (f *fakeGit) CreateWorktree(ctx context.Context, repoDir, worktreeDir, branch string) error {
	f.worktreesCreated = append(f.worktreesCreated, worktreeDir)
	return nil
}
func (f *fakeGit) Fetch(ctx context.Context, repoDir, remote string, prune bool) error { return nil }
func (f *fakeGit) DefaultBranch(ctx context.Context, repoDir string) (string, error)   { return "main", nil }
func (f *fakeGit) CheckoutAndReset(ctx context.Context, repoDir, branch, resetTo string) error {
	return nil
}
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error { return nil }
func (f *fakeGit) Rebase(ctx context.Context, worktreeDir, onto string) (gitadapter.ConflictSet, error) {
	return nil, nil
}
func (f *fakeGit) FastForwardMerge(ctx context.Context, repoDir, branch string) error { return nil }
func (f *fakeGit) ForcePush(ctx context.Context, worktreeDir, branch string) error    { return nil }
func (f *fakeGit) Push(ctx context.Context, repoDir, branch string) error            { return nil }
func (f *fakeGit) HeadSHA(ctx context.Context, dir string) (string, error)           { return "deadbeef", nil }
func (f *fakeGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}

type fakeLogger struct{}

func (fakeLogger) Warn(msg string, kv ...any) {}
func (fakeLogger) Info(msg string, kv ...any) {}

type fakeActivity struct{ last time.Time }

func (a fakeActivity) LastHumanActivity(project string) time.Time { return a.last }

func counterIDs(prefix string) IDGenerator {
	var n int32
	return func() string {
		v := atomic.AddInt32(&n, 1)
		return prefix + string(rune('0'+v))
	}
}

// exitingSpec builds a Runtime spec whose child process exits immediately
// and never emits any stream events, simulating a crash with no explicit
// completion signal.
func exitingSpec(code int) SpecFactory {
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

// longRunningSpec builds a Runtime spec whose child process blocks until
// killed, so a test can reliably call Complete before any natural exit.
func longRunningSpec() SpecFactory {
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

func newTestOrchestratorWithSpec(t *testing.T, ready []issuebackend.Issue, spec SpecFactory) (*Orchestrator, *claim.Registry, *fakeGit) {
	t.Helper()

	claims := claim.New()
	git := &fakeGit{}
	issues := &fakeIssues{ready: ready}

	cfg := Config{
		Project:      "proj",
		RepoDir:      "/repo",
		WorktreeRoot: "/worktrees",
		BranchPrefix: "agent",
		Cap:          2,
		TickInterval: 20 * time.Millisecond,
	}

	orch := New(cfg, issues, claims, git, spec, counterIDs("a"), fakeActivity{}, nil, fakeLogger{})

	pipeline := mergepipeline.New(git, issues, claims, commitlog.New(10, nil), orch.AgentTransitioner(), fakeLogger{})
	orch.SetPipeline(pipeline)

	return orch, claims, git
}

func newTestOrchestrator(t *testing.T, ready []issuebackend.Issue) (*Orchestrator, *claim.Registry, *fakeGit) {
	t.Helper()
	return newTestOrchestratorWithSpec(t, ready, exitingSpec(0))
}

func TestSpawnClaimsIssueAndCreatesWorktree(t *testing.T) {
	orch, claims, git := newTestOrchestrator(t, []issuebackend.Issue{
		{ID: "I-1", Status: issuebackend.StatusOpen},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.tick(ctx)

	if !claims.IsClaimed("proj", "I-1") {
		t.Fatal("expected I-1 to be claimed after spawn")
	}
	if len(git.worktreesCreated) != 1 {
		t.Fatalf("expected one worktree created, got %d", len(git.worktreesCreated))
	}
}

func TestTickRespectsCap(t *testing.T) {
	orch, claims, _ := newTestOrchestrator(t, []issuebackend.Issue{
		{ID: "I-1", Status: issuebackend.StatusOpen},
		{ID: "I-2", Status: issuebackend.StatusOpen},
		{ID: "I-3", Status: issuebackend.StatusOpen},
	})
	orch.cfg.Cap = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.tick(ctx)

	claimedCount := len(claims.List("proj"))
	if claimedCount != 2 {
		t.Fatalf("expected exactly 2 claims under cap, got %d", claimedCount)
	}
}

func TestInterventionGateSkipsSpawnDuringSilenceWindow(t *testing.T) {
	orch, claims, _ := newTestOrchestrator(t, []issuebackend.Issue{
		{ID: "I-1", Status: issuebackend.StatusOpen},
	})
	orch.cfg.SilenceThreshold = time.Hour
	orch.activity = fakeActivity{last: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.tick(ctx)

	if claims.IsClaimed("proj", "I-1") {
		t.Fatal("expected intervention gate to suppress spawning")
	}
}

func TestAgentExitWithoutCompletionReleasesClaim(t *testing.T) {
	orch, claims, _ := newTestOrchestrator(t, []issuebackend.Issue{
		{ID: "I-1", Status: issuebackend.StatusOpen},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.tick(ctx)

	deadline := time.After(2 * time.Second)
	for claims.IsClaimed("proj", "I-1") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for claim release after unreconciled exit")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCompleteRunsMergePipelineAndForgetsAgent(t *testing.T) {
	orch, claims, _ := newTestOrchestratorWithSpec(t, []issuebackend.Issue{
		{ID: "I-1", Status: issuebackend.StatusOpen},
	}, longRunningSpec())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.tick(ctx)

	agents := orch.Agents()
	if len(agents) != 1 {
		t.Fatalf("expected exactly 1 tracked agent, got %d", len(agents))
	}
	agentID := agents[0]

	result, err := orch.Complete(ctx, agentID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Outcome != mergepipeline.OutcomeMerged {
		t.Fatalf("expected merged outcome, got %v", result.Outcome)
	}
	if claims.IsClaimed("proj", "I-1") {
		t.Fatal("expected claim released after successful merge")
	}
	if len(orch.Agents()) != 0 {
		t.Fatal("expected agent forgotten after successful completion")
	}
}
