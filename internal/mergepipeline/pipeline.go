// Package mergepipeline implements the Merge Pipeline (C7): the ordered
// git-operation sequence run on agent completion, serialised per project
// via a merge lock (spec.md section 4.7, invariant I5).
package mergepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/commitlog"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
)

// Strategy selects which of the two merge strategies a project uses.
type Strategy string

const (
	// StrategyDirect is the default: rebase, fast-forward merge into the
	// default branch, push, close the issue, remove the worktree.
	StrategyDirect Strategy = "direct"
	// StrategyPreparePullRequest force-pushes the agent branch and opens a
	// pull request instead of advancing the default branch.
	StrategyPreparePullRequest Strategy = "prepare-pull-request"
)

// Outcome is the terminal disposition of one pipeline run.
type Outcome string

const (
	OutcomeMerged          Outcome = "merged"
	OutcomePullRequest     Outcome = "pull-request"
	OutcomeNeedsResolution Outcome = "needs-resolution"
)

// Result summarises what a Run call did, for logging and event emission.
type Result struct {
	Outcome     Outcome
	SHA         string
	Conflicts   gitadapter.ConflictSet
	PullRequest string
}

// CompletedAgent is the subset of agent state the pipeline needs. It is a
// narrow read-only view deliberately decoupled from the agent runtime type
// so this package has no import-time dependency on C6.
type CompletedAgent struct {
	ID          string
	Project     string
	Issue       string
	Branch      string
	WorktreeDir string
}

// ProjectConfig is the subset of project configuration the pipeline reads.
type ProjectConfig struct {
	RepoDir  string
	Strategy Strategy
}

// AgentTransitioner lets the pipeline move an agent to a terminal state
// without depending on the concrete agent runtime type.
type AgentTransitioner interface {
	TransitionToExited(agentID string, exitCode int)
	TransitionToNeedsResolution(agentID string, conflicts gitadapter.ConflictSet)
}

// Logger is the narrow logging seam the pipeline needs for non-fatal,
// logged-but-not-rolled-back failures (issue close errors, worktree removal
// failures per spec.md section 4.7 steps 9 and 10).
type Logger interface {
	Warn(msg string, kv ...any)
}

// Pipeline runs the merge sequence, serialised per project via per-project
// mutexes held only for the duration of one Run call (never across agent
// process I/O, which has already finished by the time Run is invoked).
type Pipeline struct {
	git     gitadapter.Adapter
	issues  issuebackend.Backend
	claims  *claim.Registry
	log     *commitlog.Ring
	agents  AgentTransitioner
	logger  Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Pipeline.
func New(git gitadapter.Adapter, issues issuebackend.Backend, claims *claim.Registry, log *commitlog.Ring, agents AgentTransitioner, logger Logger) *Pipeline {
	return &Pipeline{
		git:     git,
		issues:  issues,
		claims:  claims,
		log:     log,
		agents:  agents,
		logger:  logger,
		nowFunc: time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) projectLock(project string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[project]
	if !ok {
		l = &sync.Mutex{}
		p.locks[project] = l
	}
	return l
}

// Run executes the full pipeline for one completed agent. It serialises on
// the project's merge lock (step 1) and always releases it before
// returning (step 12), even on early exit via NeedsResolution.
func (p *Pipeline) Run(ctx context.Context, cfg ProjectConfig, agent CompletedAgent) (Result, error) {
	lock := p.projectLock(agent.Project)
	lock.Lock()
	defer lock.Unlock()

	if err := p.git.Fetch(ctx, cfg.RepoDir, "origin", true); err != nil {
		return Result{}, fmt.Errorf("mergepipeline: fetch: %w", err)
	}

	defaultBranch, err := p.git.DefaultBranch(ctx, cfg.RepoDir)
	if err != nil {
		return Result{}, fmt.Errorf("mergepipeline: determine default branch: %w", err)
	}

	if err := p.git.CheckoutAndReset(ctx, cfg.RepoDir, defaultBranch, "origin/"+defaultBranch); err != nil {
		return Result{}, fmt.Errorf("mergepipeline: checkout/reset default branch: %w", err)
	}

	conflicts, err := p.git.Rebase(ctx, agent.WorktreeDir, "origin/"+defaultBranch)
	if err != nil {
		return Result{}, fmt.Errorf("mergepipeline: rebase: %w", err)
	}
	if len(conflicts) > 0 {
		// Do not release the claim, do not touch the default branch.
		p.agents.TransitionToNeedsResolution(agent.ID, conflicts)
		return Result{Outcome: OutcomeNeedsResolution, Conflicts: conflicts}, nil
	}

	if cfg.Strategy == StrategyPreparePullRequest {
		return p.runPreparePullRequest(ctx, cfg, agent)
	}
	return p.runDirect(ctx, cfg, agent, defaultBranch)
}

func (p *Pipeline) runDirect(ctx context.Context, cfg ProjectConfig, agent CompletedAgent, defaultBranch string) (Result, error) {
	if err := p.git.FastForwardMerge(ctx, cfg.RepoDir, agent.Branch); err != nil {
		return Result{}, fmt.Errorf("mergepipeline: fast-forward merge: %w", err)
	}

	if err := p.git.Push(ctx, cfg.RepoDir, defaultBranch); err != nil {
		return Result{}, fmt.Errorf("mergepipeline: push: %w", err)
	}

	if err := p.issues.Close(ctx, agent.Issue); err != nil {
		p.logger.Warn("mergepipeline: close issue failed, merge already landed", "issue", agent.Issue, "error", err)
	}

	p.claims.Release(agent.Project, agent.Issue)
	p.agents.TransitionToExited(agent.ID, 0)

	if err := p.git.RemoveWorktree(ctx, cfg.RepoDir, agent.WorktreeDir); err != nil {
		p.logger.Warn("mergepipeline: remove worktree failed", "worktree", agent.WorktreeDir, "error", err)
	}

	sha, err := p.git.HeadSHA(ctx, cfg.RepoDir)
	if err != nil {
		p.logger.Warn("mergepipeline: resolve merge SHA failed", "error", err)
	}

	p.log.Append(commitlog.Entry{
		Project:   agent.Project,
		Agent:     agent.ID,
		Issue:     agent.Issue,
		SHA:       sha,
		Timestamp: p.nowFunc(),
	})

	return Result{Outcome: OutcomeMerged, SHA: sha}, nil
}

func (p *Pipeline) runPreparePullRequest(ctx context.Context, cfg ProjectConfig, agent CompletedAgent) (Result, error) {
	if err := p.git.ForcePush(ctx, agent.WorktreeDir, agent.Branch); err != nil {
		return Result{}, fmt.Errorf("mergepipeline: force-push branch: %w", err)
	}

	title := fmt.Sprintf("Resolve %s", agent.Issue)
	url, err := p.issues.CreatePullRequest(ctx, agent.Branch, title, "")
	if err != nil {
		return Result{}, fmt.Errorf("mergepipeline: create pull request: %w", err)
	}

	return Result{Outcome: OutcomePullRequest, PullRequest: url}, nil
}
