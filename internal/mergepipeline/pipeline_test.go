package mergepipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/commitlog"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
)

type fakeGit struct {
	rebaseConflicts gitadapter.ConflictSet
	rebaseErr       error
	ffErr           error
	pushErr         error
	headSHA         string

	fetched    bool
	ffMerged   string
	pushed     string
	forcePushed string
	removed    bool
}

func (f *fakeGit) Fetch(ctx context.Context, repoDir, remote string, prune bool) error {
	f.fetched = true
	return nil
}
func (f *fakeGit) DefaultBranch(ctx context.Context, repoDir string) (string, error) {
	return "main", nil
}
func (f *fakeGit) CheckoutAndReset(ctx context.Context, repoDir, branch, resetTo string) error {
	return nil
}
func (f *fakeGit) CreateWorktree(ctx context.Context, repoDir, worktreeDir, branch string) error {
	return nil
}
func (f *fakeGit) RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error {
	f.removed = true
	return nil
}
func (f *fakeGit) Rebase(ctx context.Context, worktreeDir, onto string) (gitadapter.ConflictSet, error) {
	return f.rebaseConflicts, f.rebaseErr
}
func (f *fakeGit) FastForwardMerge(ctx context.Context, repoDir, branch string) error {
	f.ffMerged = branch
	return f.ffErr
}
func (f *fakeGit) ForcePush(ctx context.Context, worktreeDir, branch string) error {
	f.forcePushed = branch
	return nil
}
func (f *fakeGit) Push(ctx context.Context, repoDir, branch string) error {
	f.pushed = branch
	return f.pushErr
}
func (f *fakeGit) HeadSHA(ctx context.Context, dir string) (string, error) {
	return f.headSHA, nil
}
func (f *fakeGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}

type fakeIssues struct {
	issuebackend.Backend
	closeErr  error
	closed    string
	prTitle   string
	prURL     string
}

func (f *fakeIssues) Close(ctx context.Context, id string) error {
	f.closed = id
	return f.closeErr
}
func (f *fakeIssues) CreatePullRequest(ctx context.Context, branch, title, body string) (string, error) {
	f.prTitle = title
	return f.prURL, nil
}

type fakeTransitioner struct {
	exited          string
	exitCode        int
	needsResolution string
	conflicts       gitadapter.ConflictSet
}

func (f *fakeTransitioner) TransitionToExited(agentID string, exitCode int) {
	f.exited = agentID
	f.exitCode = exitCode
}
func (f *fakeTransitioner) TransitionToNeedsResolution(agentID string, conflicts gitadapter.ConflictSet) {
	f.needsResolution = agentID
	f.conflicts = conflicts
}

type fakeLogger struct{ warnings int }

func (f *fakeLogger) Warn(msg string, kv ...any) { f.warnings++ }

func TestRunDirectMergeHappyPath(t *testing.T) {
	git := &fakeGit{headSHA: "abc123"}
	issues := &fakeIssues{prURL: "https://example.invalid/pr/1"}
	claims := claim.New()
	claims.TryClaim("proj", "issue-1", "agent-1")
	ring := commitlog.New(10, nil)
	transitioner := &fakeTransitioner{}
	logger := &fakeLogger{}

	p := New(git, issues, claims, ring, transitioner, logger)

	result, err := p.Run(context.Background(), ProjectConfig{RepoDir: "/repo", Strategy: StrategyDirect}, CompletedAgent{
		ID: "agent-1", Project: "proj", Issue: "issue-1", Branch: "agent/issue-1", WorktreeDir: "/wt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeMerged || result.SHA != "abc123" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !git.fetched || git.ffMerged != "agent/issue-1" || git.pushed != "main" {
		t.Fatalf("expected full direct pipeline to run: %+v", git)
	}
	if issues.closed != "issue-1" {
		t.Fatalf("expected issue closed, got %q", issues.closed)
	}
	if claims.IsClaimed("proj", "issue-1") {
		t.Fatal("expected claim released after merge")
	}
	if transitioner.exited != "agent-1" {
		t.Fatalf("expected agent transitioned to Exited, got %q", transitioner.exited)
	}
	if !git.removed {
		t.Fatal("expected worktree removal attempted")
	}
	if ring.Len() != 1 {
		t.Fatalf("expected one commit log entry, got %d", ring.Len())
	}
}

// TestRebaseConflictPreservesClaimAndBranch covers spec.md section 4.7 step
// 6: on rebase conflict, do not release the claim, do not touch the
// default branch, transition to NeedsResolution.
func TestRebaseConflictPreservesClaimAndBranch(t *testing.T) {
	git := &fakeGit{rebaseConflicts: gitadapter.ConflictSet{"main.go"}}
	issues := &fakeIssues{}
	claims := claim.New()
	claims.TryClaim("proj", "issue-1", "agent-1")
	ring := commitlog.New(10, nil)
	transitioner := &fakeTransitioner{}
	logger := &fakeLogger{}

	p := New(git, issues, claims, ring, transitioner, logger)

	result, err := p.Run(context.Background(), ProjectConfig{RepoDir: "/repo", Strategy: StrategyDirect}, CompletedAgent{
		ID: "agent-1", Project: "proj", Issue: "issue-1", Branch: "agent/issue-1", WorktreeDir: "/wt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeNeedsResolution {
		t.Fatalf("expected NeedsResolution outcome, got %s", result.Outcome)
	}
	if !claims.IsClaimed("proj", "issue-1") {
		t.Fatal("expected claim preserved on conflict")
	}
	if transitioner.needsResolution != "agent-1" {
		t.Fatalf("expected agent transitioned to NeedsResolution, got %q", transitioner.needsResolution)
	}
	if git.ffMerged != "" || git.pushed != "" {
		t.Fatalf("expected default branch untouched on conflict: %+v", git)
	}
	if ring.Len() != 0 {
		t.Fatal("expected no commit log entry on conflict")
	}
}

func TestIssueCloseErrorDoesNotRollBackMerge(t *testing.T) {
	git := &fakeGit{headSHA: "def456"}
	issues := &fakeIssues{closeErr: errors.New("backend unavailable")}
	claims := claim.New()
	claims.TryClaim("proj", "issue-1", "agent-1")
	ring := commitlog.New(10, nil)
	transitioner := &fakeTransitioner{}
	logger := &fakeLogger{}

	p := New(git, issues, claims, ring, transitioner, logger)

	result, err := p.Run(context.Background(), ProjectConfig{RepoDir: "/repo", Strategy: StrategyDirect}, CompletedAgent{
		ID: "agent-1", Project: "proj", Issue: "issue-1", Branch: "agent/issue-1", WorktreeDir: "/wt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeMerged {
		t.Fatalf("expected merge to still complete, got %s", result.Outcome)
	}
	if logger.warnings == 0 {
		t.Fatal("expected issue close failure to be logged")
	}
}

func TestPreparePullRequestStrategyLeavesWorktreeAndBranch(t *testing.T) {
	git := &fakeGit{}
	issues := &fakeIssues{prURL: "https://example.invalid/pr/2"}
	claims := claim.New()
	claims.TryClaim("proj", "issue-1", "agent-1")
	ring := commitlog.New(10, nil)
	transitioner := &fakeTransitioner{}
	logger := &fakeLogger{}

	p := New(git, issues, claims, ring, transitioner, logger)

	result, err := p.Run(context.Background(), ProjectConfig{RepoDir: "/repo", Strategy: StrategyPreparePullRequest}, CompletedAgent{
		ID: "agent-1", Project: "proj", Issue: "issue-1", Branch: "agent/issue-1", WorktreeDir: "/wt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomePullRequest || result.PullRequest != "https://example.invalid/pr/2" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if git.forcePushed != "agent/issue-1" {
		t.Fatalf("expected force-push of agent branch, got %q", git.forcePushed)
	}
	if git.ffMerged != "" || git.removed {
		t.Fatal("expected default branch and worktree untouched by pull-request strategy")
	}
	if !claims.IsClaimed("proj", "issue-1") {
		t.Fatal("expected claim retained; pull-request strategy does not transition the agent")
	}
	if transitioner.exited != "" {
		t.Fatal("expected no terminal transition for pull-request strategy")
	}
	_ = time.Now
}

func TestMergeLockSerialisesPerProject(t *testing.T) {
	git := &fakeGit{}
	issues := &fakeIssues{}
	claims := claim.New()
	ring := commitlog.New(10, nil)
	transitioner := &fakeTransitioner{}
	logger := &fakeLogger{}

	p := New(git, issues, claims, ring, transitioner, logger)

	l1 := p.projectLock("proj")
	l2 := p.projectLock("proj")
	if l1 != l2 {
		t.Fatal("expected the same lock instance for the same project")
	}
	l3 := p.projectLock("other")
	if l1 == l3 {
		t.Fatal("expected distinct locks for distinct projects")
	}
}
