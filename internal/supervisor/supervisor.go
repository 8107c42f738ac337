// Package supervisor implements the Supervisor (C9): the single
// process-wide owner of every project's Orchestrator, the agent runtime
// map, the Claim Registry, and the Broker, plus the event broadcast fanout
// that IPC subscribers attach to.
//
// Per spec.md section 4.9, access to each map is serialised with a
// short-held lock; long-running work (git, subprocess spawn, issue-backend
// calls) happens after the lock is released, against captured handles —
// the same "acquire, snapshot/mutate, release, act" discipline the
// teacher's Controller follows around its task-state map
// (internal/controller/controller.go).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/agentruntime"
	"github.com/andywolf/agentium-supervisor/internal/broker"
	"github.com/andywolf/agentium-supervisor/internal/chatbuffer"
	"github.com/andywolf/agentium-supervisor/internal/claim"
	"github.com/andywolf/agentium-supervisor/internal/commitlog"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/mergepipeline"
	"github.com/andywolf/agentium-supervisor/internal/orchestrator"
	"github.com/andywolf/agentium-supervisor/internal/snapshot"
)

// Logger is the supervisor's own logging seam. A value of this interface
// also satisfies orchestrator.Logger and mergepipeline.Logger structurally
// (both only require a subset of these methods), so one *logging.Logger
// can be handed to every component the Supervisor constructs.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

var (
	// ErrUnknownProject is returned by any operation naming a project the
	// Supervisor has no record of (spec.md section 7, "policy-violation").
	ErrUnknownProject = errors.New("supervisor: unknown project")
	// ErrProjectExists is returned by AddProject for a duplicate name.
	ErrProjectExists = errors.New("supervisor: project already exists")
	// ErrUnknownAgent is returned by agent-scoped operations naming an
	// agent ID no project currently tracks.
	ErrUnknownAgent = errors.New("supervisor: unknown agent")
)

// ProjectSpec is the caller-supplied configuration for AddProject: the
// per-project settings the Supervisor itself consumes. Remote URL, backend
// selectors and author filters are not part of it; the issue backend and
// spec factory are passed to AddProject already built.
type ProjectSpec struct {
	Name             string
	RepoDir          string
	WorktreeRoot     string
	BranchPrefix     string
	Cap              int
	MergeStrategy    mergepipeline.Strategy
	TickInterval     time.Duration
	SilenceThreshold time.Duration
}

// ProjectStatus is the read-only view returned by ListProjects/DescribeProject.
type ProjectStatus struct {
	Spec          ProjectSpec
	Running       bool
	ActiveAgents  int
	LastHumanActivity time.Time
}

// AgentDescription answers agent.describe.
type AgentDescription struct {
	AgentID string
	Project string
	Issue   string
	State   agentruntime.State
}

type projectEntry struct {
	spec    ProjectSpec
	issues  issuebackend.Backend
	orch    *orchestrator.Orchestrator
	commits *commitlog.Ring

	mu           sync.Mutex
	lastActivity time.Time
	running      bool
}

// activityTracker adapts one projectEntry to orchestrator.ActivityTracker.
type activityTracker struct{ p *projectEntry }

func (a activityTracker) LastHumanActivity(project string) time.Time {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	return a.p.lastActivity
}

// snapshotter adapts the Supervisor's shared snapshot.Store to
// orchestrator.Snapshotter for one project.
type snapshotter struct {
	store   *snapshot.Store
	project string
}

func (s snapshotter) Save(rec orchestrator.AgentRecord) error {
	return s.store.Save(snapshot.Record{
		AgentID:     rec.AgentID,
		Project:     rec.Project,
		Issue:       rec.Issue,
		Branch:      rec.Branch,
		WorktreeDir: rec.WorktreeDir,
		StartedAt:   rec.StartedAt,
	})
}

// projectEventSink adapts the Supervisor's fanout to orchestrator.EventSink
// for one project, tagging every event with the project name the
// orchestrator itself doesn't carry on agentruntime.ChildEvent.
type projectEventSink struct {
	project string
	fan     *fanout
	nowFunc func() time.Time
}

func (s projectEventSink) Publish(ev agentruntime.ChildEvent) {
	out := Event{
		Project:   s.project,
		AgentID:   ev.AgentID,
		Timestamp: s.nowFunc(),
	}
	switch ev.Kind {
	case agentruntime.EventChat:
		out.Kind = EventAgentChat
		out.Content = ev.Stream.Content
	case agentruntime.EventIdle:
		out.Kind = EventAgentIdle
	case agentruntime.EventState:
		out.Kind = EventAgentState
		out.State = string(ev.State)
	case agentruntime.EventThread, agentruntime.EventError:
		out.Kind = EventAgentChat
		out.Content = ev.Stream.Summary
	}
	s.fan.publish(out)
}

// Supervisor is the process-wide instance. Exactly one is constructed per
// spec.md section 9 ("Global state... exactly one process-wide Supervisor
// instance").
type Supervisor struct {
	claims  *claim.Registry
	broker  *broker.Broker
	git     gitadapter.Adapter
	store   *snapshot.Store
	newID   orchestrator.IDGenerator
	logger  Logger
	nowFunc func() time.Time
	fan     *fanout

	projMu   sync.Mutex
	projects map[string]*projectEntry
}

// New constructs a Supervisor. claims, brk, git, and store are shared
// across every project; newID generates agent IDs (normally
// uuid.New().String(), per SPEC_FULL.md's DOMAIN STACK wiring of
// github.com/google/uuid to C6 agent IDs and C10 correlation IDs).
func New(claims *claim.Registry, brk *broker.Broker, git gitadapter.Adapter, store *snapshot.Store, newID orchestrator.IDGenerator, logger Logger) *Supervisor {
	return &Supervisor{
		claims:   claims,
		broker:   brk,
		git:      git,
		store:    store,
		newID:    newID,
		logger:   logger,
		nowFunc:  time.Now,
		fan:      newFanout(),
		projects: make(map[string]*projectEntry),
	}
}

// AddProject registers a new project, wires its Orchestrator and Merge
// Pipeline, and returns before starting the tick loop (call
// StartOrchestration to begin ticking, matching spec.md's separate
// start(project)/stop(project) lifecycle from C8's description).
func (s *Supervisor) AddProject(spec ProjectSpec, issues issuebackend.Backend, newSpec orchestrator.SpecFactory) error {
	if spec.Name == "" {
		return fmt.Errorf("supervisor: project name is required")
	}

	s.projMu.Lock()
	if _, exists := s.projects[spec.Name]; exists {
		s.projMu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectExists, spec.Name)
	}
	s.projMu.Unlock()

	entry := &projectEntry{
		spec:    spec,
		issues:  issues,
		commits: commitlog.New(commitlog.DefaultCapacity, nil),
	}

	orchCfg := orchestrator.Config{
		Project:          spec.Name,
		RepoDir:          spec.RepoDir,
		WorktreeRoot:     spec.WorktreeRoot,
		BranchPrefix:     spec.BranchPrefix,
		Cap:              spec.Cap,
		TickInterval:     spec.TickInterval,
		SilenceThreshold: spec.SilenceThreshold,
		Merge: mergepipeline.ProjectConfig{
			RepoDir:  spec.RepoDir,
			Strategy: spec.MergeStrategy,
		},
	}

	orch := orchestrator.New(orchCfg, issues, s.claims, s.git, newSpec, s.newID,
		activityTracker{p: entry}, snapshotter{store: s.store, project: spec.Name}, s.logger)
	entry.orch = orch
	orch.SetEventSink(projectEventSink{project: spec.Name, fan: s.fan, nowFunc: s.nowFunc})

	pipeline := mergepipeline.New(s.git, issues, s.claims, entry.commits, orch.AgentTransitioner(), s.logger)
	orch.SetPipeline(pipeline)

	s.projMu.Lock()
	s.projects[spec.Name] = entry
	s.projMu.Unlock()

	return nil
}

// RemoveProject unregisters a project. Per the "remove project" open
// question (spec.md section 9), worktree deletion is never inferred from
// removal; a true deleteWorktrees only logs a warning, and no worktree is
// removed. StopOrchestration
// must have already been called; RemoveProject refuses to remove a
// project whose loop is still running rather than silently stopping it.
func (s *Supervisor) RemoveProject(name string, deleteWorktrees bool) error {
	entry, err := s.project(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	running := entry.running
	entry.mu.Unlock()
	if running {
		return fmt.Errorf("supervisor: project %s: stop orchestration before removing", name)
	}

	s.projMu.Lock()
	delete(s.projects, name)
	s.projMu.Unlock()

	if deleteWorktrees {
		s.logger.Warn("supervisor: worktree deletion on project removal is not yet implemented", "project", name)
	}
	return nil
}

func (s *Supervisor) project(name string) (*projectEntry, error) {
	s.projMu.Lock()
	defer s.projMu.Unlock()
	entry, ok := s.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return entry, nil
}

// ListProjects returns a status snapshot for every registered project.
func (s *Supervisor) ListProjects() []ProjectStatus {
	s.projMu.Lock()
	entries := make([]*projectEntry, 0, len(s.projects))
	for _, e := range s.projects {
		entries = append(entries, e)
	}
	s.projMu.Unlock()

	out := make([]ProjectStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		status := ProjectStatus{
			Spec:              e.spec,
			Running:           e.running,
			ActiveAgents:      len(e.orch.Agents()),
			LastHumanActivity: e.lastActivity,
		}
		e.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// StartOrchestration begins the named project's tick loop.
func (s *Supervisor) StartOrchestration(ctx context.Context, name string) error {
	entry, err := s.project(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.running {
		return nil
	}
	entry.orch.Start(ctx)
	entry.running = true
	return nil
}

// StopOrchestration cancels the named project's tick loop. Per spec.md
// section 4.8, this does not abort already-running agents.
func (s *Supervisor) StopOrchestration(name string) error {
	entry, err := s.project(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.running {
		return nil
	}
	entry.orch.Stop()
	entry.running = false
	return nil
}

// Trigger pushes an out-of-cycle tick (e.g. on a webhook receipt or a
// sibling agent's completion), per spec.md section 4.8's trigger channel.
func (s *Supervisor) Trigger(name string) error {
	entry, err := s.project(name)
	if err != nil {
		return err
	}
	entry.orch.Trigger()
	return nil
}

// RecordHumanActivity stamps the intervention-gate timestamp for a
// project. Per spec.md section 4.8, human activity is "user-origin message
// to any agent in the project, permission response, or question response";
// callers (the IPC handlers for those three message kinds) call this on
// every such event.
func (s *Supervisor) RecordHumanActivity(project string) error {
	entry, err := s.project(project)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.lastActivity = s.nowFunc()
	entry.mu.Unlock()
	return nil
}

// Complete runs the merge pipeline for agentID's project, the explicit-
// completion-signal entry point described in DESIGN.md's Open Question
// decision for C8/C7 integration.
func (s *Supervisor) Complete(ctx context.Context, project, agentID string) (mergepipeline.Result, error) {
	entry, err := s.project(project)
	if err != nil {
		return mergepipeline.Result{}, err
	}
	return entry.orch.Complete(ctx, agentID)
}

// Agents lists the agent IDs currently tracked for project.
func (s *Supervisor) Agents(project string) ([]string, error) {
	entry, err := s.project(project)
	if err != nil {
		return nil, err
	}
	return entry.orch.Agents(), nil
}

// findAgent scans every project's Orchestrator for agentID, per the
// "look up through the supervisor" design note (spec.md section 9) rather
// than maintaining a second agent-id->project index that could drift from
// the orchestrators' own maps.
func (s *Supervisor) findAgent(agentID string) (*projectEntry, *agentruntime.Runtime, error) {
	s.projMu.Lock()
	entries := make([]*projectEntry, 0, len(s.projects))
	for _, e := range s.projects {
		entries = append(entries, e)
	}
	s.projMu.Unlock()

	for _, e := range entries {
		if rt, ok := e.orch.Runtime(agentID); ok {
			return e, rt, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
}

// Describe answers agent.describe.
func (s *Supervisor) Describe(agentID string) (AgentDescription, error) {
	entry, rt, err := s.findAgent(agentID)
	if err != nil {
		return AgentDescription{}, err
	}
	issue, _ := entry.orch.Issue(agentID)
	return AgentDescription{
		AgentID: agentID,
		Project: entry.spec.Name,
		Issue:   issue,
		State:   rt.State(),
	}, nil
}

// SendMessage delivers a user-origin message to agentID and records human
// activity on its project (the intervention gate's definition of activity).
func (s *Supervisor) SendMessage(agentID, text string) error {
	entry, rt, err := s.findAgent(agentID)
	if err != nil {
		return err
	}
	rt.Send(text)
	return s.RecordHumanActivity(entry.spec.Name)
}

// ChatHistory answers agent.chat_history.
func (s *Supervisor) ChatHistory(agentID string, limit, offset int) ([]chatbuffer.Entry, error) {
	_, rt, err := s.findAgent(agentID)
	if err != nil {
		return nil, err
	}
	return rt.Chat(limit, offset), nil
}

// AbortAgent answers agent.abort.
func (s *Supervisor) AbortAgent(ctx context.Context, agentID string, force bool) error {
	_, rt, err := s.findAgent(agentID)
	if err != nil {
		return err
	}
	rt.Abort(ctx, force)
	return nil
}

// Issues returns the IssueBackend configured for project, for IPC handlers
// that pass issue.* calls straight through.
func (s *Supervisor) Issues(project string) (issuebackend.Backend, error) {
	entry, err := s.project(project)
	if err != nil {
		return nil, err
	}
	return entry.issues, nil
}

// CommitList answers commit.list.
func (s *Supervisor) CommitList(project string) ([]commitlog.Entry, error) {
	entry, err := s.project(project)
	if err != nil {
		return nil, err
	}
	return entry.commits.List(project), nil
}

// ClaimList answers claim.list.
func (s *Supervisor) ClaimList(project string) ([]claim.Entry, error) {
	if _, err := s.project(project); err != nil {
		return nil, err
	}
	return s.claims.List(project), nil
}

// Broker exposes the shared Broker for IPC permission.*/question.* handlers.
func (s *Supervisor) Broker() *broker.Broker { return s.broker }

// Attach subscribes to the event stream, optionally filtered to projects
// (empty means every project). The returned detach func must be called
// once the subscriber disconnects.
func (s *Supervisor) Attach(projects []string) (<-chan Event, func()) {
	_, ch, detach := s.fan.attach(projects)
	return ch, detach
}

// SubscriberCount reports how many stream subscribers are currently
// attached, for stats introspection.
func (s *Supervisor) SubscriberCount() int { return s.fan.count() }

// Shutdown stops every running project loop, then resolves all pending
// broker entries with deny. It makes no Abort call on agents, does not
// wait for them to exit, and does not consult ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.projMu.Lock()
	entries := make([]*projectEntry, 0, len(s.projects))
	for _, e := range s.projects {
		entries = append(entries, e)
	}
	s.projMu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		running := e.running
		e.running = false
		e.mu.Unlock()
		if running {
			e.orch.Stop()
		}
	}

	s.broker.CancelAll("supervisor-shutdown")
}
