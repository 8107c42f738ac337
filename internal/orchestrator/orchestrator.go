// Package orchestrator implements the per-project tick loop (C8): periodic
// plus triggered spawn decisions, worktree/branch creation, and dispatch to
// the merge pipeline on an agent's explicit completion signal.
//
// The cooperative ticker/select loop follows the cycle-loop shape used by
// the pack's own factory orchestrator (madhatter5501-Factory's
// orchestrator.go Run method): a time.Ticker plus a ctx.Done case, one
// mutex-guarded cycle body per tick. The teacher itself has no long-lived
// scheduling loop of this kind (its controller runs one phase sequence to
// completion per invocation), so this shape is adopted from the rest of
// the retrieval pack rather than from andymwolf-agentium.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/agentruntime"
	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/mergepipeline"
	"github.com/andywolf/agentium-supervisor/internal/spawnpolicy"
)

// DefaultTickInterval is the periodic wakeup period (spec.md section 4.8).
const DefaultTickInterval = 10 * time.Second

// DefaultSilenceThreshold is how long a project must be free of human
// activity before the intervention gate disengages.
const DefaultSilenceThreshold = 60 * time.Second

// Logger is the narrow logging seam for non-fatal, best-effort failures.
type Logger interface {
	Warn(msg string, kv ...any)
	Info(msg string, kv ...any)
}

// SpecFactory builds the agentruntime.Spec for a newly claimed issue. The
// caller (config/backend-selection layer) owns dialect, encoder, and
// process-argument choices; the orchestrator only supplies identity and
// placement.
type SpecFactory func(agentID, issueID, worktreeDir, branch string) agentruntime.Spec

// IDGenerator produces agent IDs; injectable so tests get deterministic
// sequences instead of random UUIDs.
type IDGenerator func() string

// ActivityTracker reports the last human-origin activity observed for a
// project, backing the intervention gate. The Supervisor (C9) is the real
// implementation; tests use a fake.
type ActivityTracker interface {
	LastHumanActivity(project string) time.Time
}

// EventSink receives every child event observed on any agent this
// Orchestrator supervises, for the Supervisor's broadcast fan-out (C9).
// Wired after construction via SetEventSink, same pattern as SetPipeline,
// since the Supervisor normally needs the Orchestrator to exist before it
// can build a sink that tags events with a project name.
type EventSink interface {
	Publish(ev agentruntime.ChildEvent)
}

// Snapshotter persists a best-effort record of a spawned agent (spec.md
// section 4.8 step 8). Failures are logged, never fatal.
type Snapshotter interface {
	Save(record AgentRecord) error
}

// AgentRecord is the best-effort snapshot payload for one agent.
type AgentRecord struct {
	AgentID     string
	Project     string
	Issue       string
	Branch      string
	WorktreeDir string
	StartedAt   time.Time
}

// Config configures one project's Orchestrator.
type Config struct {
	Project          string
	RepoDir          string
	WorktreeRoot     string
	BranchPrefix     string
	Cap              int
	TickInterval     time.Duration
	SilenceThreshold time.Duration
	Merge            mergepipeline.ProjectConfig
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval <= 0 {
		return DefaultTickInterval
	}
	return c.TickInterval
}

func (c Config) silenceThreshold() time.Duration {
	if c.SilenceThreshold <= 0 {
		return DefaultSilenceThreshold
	}
	return c.SilenceThreshold
}

// kickstartMessage is the first turn enqueued on every freshly spawned
// agent (spec.md section 4.8 step 7).
const kickstartMessage = "Begin work on this issue."

type agentEntry struct {
	runtime     *agentruntime.Runtime
	issue       string
	branch      string
	worktreeDir string

	mu         sync.Mutex
	completing bool
}

// Orchestrator runs one project's spawn/merge loop.
type Orchestrator struct {
	cfg      Config
	issues   issuebackend.Backend
	claims   *claim.Registry
	git      gitadapter.Adapter
	pipeline *mergepipeline.Pipeline
	events   EventSink
	newSpec  SpecFactory
	newID    IDGenerator
	activity ActivityTracker
	snapshot Snapshotter
	logger   Logger
	nowFunc  func() time.Time

	mu      sync.Mutex
	agents  map[string]*agentEntry
	trigger chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs an Orchestrator for one project. It does not start the
// loop; call Start. The merge pipeline is wired afterward via SetPipeline,
// since the pipeline's own AgentTransitioner is normally this
// Orchestrator's AgentTransitioner() — constructing both in one step would
// require the pipeline before the orchestrator it points back into exists.
func New(
	cfg Config,
	issues issuebackend.Backend,
	claims *claim.Registry,
	git gitadapter.Adapter,
	newSpec SpecFactory,
	newID IDGenerator,
	activity ActivityTracker,
	snapshot Snapshotter,
	logger Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		issues:   issues,
		claims:   claims,
		git:      git,
		newSpec:  newSpec,
		newID:    newID,
		activity: activity,
		snapshot: snapshot,
		logger:   logger,
		nowFunc:  time.Now,
		agents:   make(map[string]*agentEntry),
		trigger:  make(chan struct{}, 1),
	}
}

// SetPipeline wires the merge pipeline this orchestrator dispatches
// completed agents to. Must be called before the loop observes its first
// completion (normally immediately after both New calls, before Start).
func (o *Orchestrator) SetPipeline(p *mergepipeline.Pipeline) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipeline = p
}

// SetEventSink wires the Supervisor's broadcast fan-out. Optional: nil (the
// default) simply drops events, which is how standalone tests run this
// package without a Supervisor.
func (o *Orchestrator) SetEventSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = sink
}

func (o *Orchestrator) eventSink() EventSink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

// AgentTransitioner implements mergepipeline.AgentTransitioner so the
// pipeline can move an agent to a terminal state without importing C6.
func (o *Orchestrator) AgentTransitioner() mergepipeline.AgentTransitioner { return transitioner{o} }

type transitioner struct{ o *Orchestrator }

func (t transitioner) TransitionToExited(agentID string, exitCode int) {
	t.o.forgetAgent(agentID)
}

func (t transitioner) TransitionToNeedsResolution(agentID string, conflicts gitadapter.ConflictSet) {
	t.o.mu.Lock()
	entry, ok := t.o.agents[agentID]
	t.o.mu.Unlock()
	if !ok {
		return
	}
	entry.runtime.MarkNeedsResolution()
	// The claim is intentionally preserved: the pipeline does not release
	// it on NeedsResolution, and neither does the orchestrator. The entry
	// stays tracked so its worktree/branch remain discoverable for manual
	// resolution; it is simply no longer counted as "active" since its
	// state is terminal.
}

func (o *Orchestrator) forgetAgent(agentID string) {
	o.mu.Lock()
	delete(o.agents, agentID)
	o.mu.Unlock()
}

// Start launches the cooperative tick loop in a background goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.stopped = make(chan struct{})
	o.mu.Unlock()

	go o.loop(runCtx)
}

// Stop cancels the loop. Running agents are left untouched (spec.md
// section 4.8: "stop cancels the loop but does not abort running agents
// unless explicitly requested").
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Trigger wakes the loop immediately (webhook receipt or a same-project
// completion event), in addition to its periodic timer.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.stopped)

	ticker := time.NewTicker(o.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		case <-o.trigger:
			o.tick(ctx)
		}
	}
}

// tick runs exactly one orchestration cycle (spec.md section 4.8).
func (o *Orchestrator) tick(ctx context.Context) {
	ready, err := o.issues.Ready(ctx)
	if err != nil {
		o.logger.Warn("orchestrator: list ready issues failed", "project", o.cfg.Project, "error", err)
		return
	}

	active := o.activeCount()

	if o.activity != nil {
		last := o.activity.LastHumanActivity(o.cfg.Project)
		if !last.IsZero() && o.nowFunc().Sub(last) < o.cfg.silenceThreshold() {
			return
		}
	}

	readyIDs := make([]string, 0, len(ready))
	byID := make(map[string]issuebackend.Issue, len(ready))
	for _, issue := range ready {
		readyIDs = append(readyIDs, issue.ID)
		byID[issue.ID] = issue
	}

	claimed := o.claims.ClaimedIssues(o.cfg.Project)
	chosen := spawnpolicy.Tick(active, o.cfg.Cap, readyIDs, claimed)

	for _, issueID := range chosen {
		if err := o.claims.TryClaim(o.cfg.Project, issueID, ""); err != nil {
			continue // another tick or another orchestrator instance won the race
		}
		if err := o.spawn(ctx, byID[issueID]); err != nil {
			o.logger.Warn("orchestrator: spawn failed", "project", o.cfg.Project, "issue", issueID, "error", err)
			o.claims.Release(o.cfg.Project, issueID)
		}
	}
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, entry := range o.agents {
		if !entry.runtime.State().Terminal() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) spawn(ctx context.Context, issue issuebackend.Issue) error {
	agentID := o.newID()
	branch := fmt.Sprintf("%s/%s", o.cfg.BranchPrefix, agentID)
	worktreeDir := fmt.Sprintf("%s/%s", o.cfg.WorktreeRoot, agentID)

	// Re-claim under the real agent ID now that one has been minted; the
	// placeholder claim above only reserved the issue against this tick.
	o.claims.Release(o.cfg.Project, issue.ID)
	if err := o.claims.TryClaim(o.cfg.Project, issue.ID, agentID); err != nil {
		return fmt.Errorf("orchestrator: re-claim %s under %s: %w", issue.ID, agentID, err)
	}

	if err := o.git.CreateWorktree(ctx, o.cfg.RepoDir, worktreeDir, branch); err != nil {
		return fmt.Errorf("orchestrator: create worktree: %w", err)
	}

	spec := o.newSpec(agentID, issue.ID, worktreeDir, branch)
	runtime := agentruntime.New(spec, nil)

	entry := &agentEntry{runtime: runtime, issue: issue.ID, branch: branch, worktreeDir: worktreeDir}
	o.mu.Lock()
	o.agents[agentID] = entry
	o.mu.Unlock()

	runtime.Start(ctx)
	runtime.Send(kickstartMessage)

	if o.snapshot != nil {
		record := AgentRecord{
			AgentID: agentID, Project: o.cfg.Project, Issue: issue.ID,
			Branch: branch, WorktreeDir: worktreeDir, StartedAt: o.nowFunc(),
		}
		if err := o.snapshot.Save(record); err != nil {
			o.logger.Warn("orchestrator: snapshot save failed", "agent", agentID, "error", err)
		}
	}

	go o.watch(agentID, entry)
	return nil
}

// watch drains an agent's event channel until it closes (terminal), then
// reconciles: a crash (no explicit completion signal) releases the claim
// directly; an explicit Complete call has already claimed the entry's
// completing flag and runs its own reconciliation in Complete.
func (o *Orchestrator) watch(agentID string, entry *agentEntry) {
	sink := o.eventSink()
	for ev := range entry.runtime.Events() {
		if sink != nil {
			sink.Publish(ev)
		}
	}

	entry.mu.Lock()
	alreadyCompleting := entry.completing
	entry.completing = true
	entry.mu.Unlock()
	if alreadyCompleting {
		return
	}

	state := entry.runtime.State()
	switch state {
	case agentruntime.StateAborted:
		o.logger.Info("orchestrator: agent aborted", "agent", agentID, "project", o.cfg.Project)
	case agentruntime.StateExited:
		o.logger.Warn("orchestrator: agent exited without a completion signal", "agent", agentID, "project", o.cfg.Project)
	default:
		o.logger.Warn("orchestrator: agent reached unexpected terminal state", "agent", agentID, "state", state)
	}
	o.claims.Release(o.cfg.Project, entry.issue)
	o.forgetAgent(agentID)
}

// Complete runs the merge pipeline for agentID's completed work: this is
// the "explicit completion signal from an agent" spec.md section 4.7
// requires, delivered out-of-band from process exit (over IPC, through
// Supervisor.Complete) rather than inferred from the child process dying.
func (o *Orchestrator) Complete(ctx context.Context, agentID string) (mergepipeline.Result, error) {
	o.mu.Lock()
	entry, ok := o.agents[agentID]
	o.mu.Unlock()
	if !ok {
		return mergepipeline.Result{}, fmt.Errorf("orchestrator: unknown agent %s", agentID)
	}

	entry.mu.Lock()
	if entry.completing {
		entry.mu.Unlock()
		return mergepipeline.Result{}, fmt.Errorf("orchestrator: agent %s already completing", agentID)
	}
	entry.completing = true
	entry.mu.Unlock()

	// Force: the agent has already signalled it is done with its work, so
	// there is nothing to wait out a grace period for.
	entry.runtime.Abort(ctx, true)
	_ = entry.runtime.AwaitExit(ctx)

	result, err := o.pipeline.Run(ctx, o.cfg.Merge, mergepipeline.CompletedAgent{
		ID: agentID, Project: o.cfg.Project, Issue: entry.issue,
		Branch: entry.branch, WorktreeDir: entry.worktreeDir,
	})
	if err != nil {
		o.logger.Warn("orchestrator: merge pipeline failed", "agent", agentID, "error", err)
	}

	if result.Outcome != mergepipeline.OutcomeNeedsResolution {
		o.forgetAgent(agentID)
	}
	return result, err
}

// Agents returns the IDs of every agent this orchestrator is currently
// tracking (active or terminal-but-unreconciled, e.g. NeedsResolution).
func (o *Orchestrator) Agents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	return ids
}

// Runtime returns the Agent Runtime backing agentID, for IPC handlers
// (agent.send_message, agent.chat_history, agent.abort, agent.describe)
// that need to reach a specific agent without the orchestrator mediating
// every call. The runtime is dropped from this map as soon as the agent
// reaches a terminal state outside of Complete, or is forgotten after a
// successful Complete, so a returned false means "no longer supervised."
func (o *Orchestrator) Runtime(agentID string) (*agentruntime.Runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.agents[agentID]
	if !ok {
		return nil, false
	}
	return entry.runtime, true
}

// Issue returns the issue ID a still-tracked agent is working, used by IPC
// handlers that report agent.describe without re-deriving it from claims.
func (o *Orchestrator) Issue(agentID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.agents[agentID]
	if !ok {
		return "", false
	}
	return entry.issue, true
}
