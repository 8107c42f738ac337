package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andywolf/agentium-supervisor/internal/broker"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/mergepipeline"
	"github.com/andywolf/agentium-supervisor/internal/supervisor"
)

// handler decodes req.Payload itself (shape varies per type) and returns the
// payload for a successful Response, or an error to be rendered as a
// failure Response by dispatch.
type handler func(ctx context.Context, conn *connState, req Request) (any, error)

// handlers is the full message-type surface from spec.md section 6's Core
// message types table. Entries not yet backed by a corresponding component
// (plan.*/manager.*: spec.md's component design, sections 4.1-4.10, never
// defines a Plan or Manager component — only this IPC table names them as
// "specialised non-coding agent lifecycles") return ErrKindUnsupported
// rather than silently no-opping.
var handlers = map[string]handler{
	"server.ping":     handlePing,
	"server.shutdown": handleShutdown,
	"attach":          handleAttach,
	"detach":          handleDetach,

	"project.add":    handleProjectAdd,
	"project.remove": handleProjectRemove,
	"project.list":   handleProjectList,
	"project.status": handleProjectStatus,

	"orchestration.start": handleOrchestrationStart,
	"orchestration.stop":  handleOrchestrationStop,
	"orchestration.tick":  handleOrchestrationTick,

	"agent.list":          handleAgentList,
	"agent.abort":         handleAgentAbort,
	"agent.send_message":  handleAgentSendMessage,
	"agent.chat_history":  handleAgentChatHistory,
	"agent.describe":      handleAgentDescribe,
	"agent.done":          handleAgentDone,
	"agent.claim":         handleAgentClaim,

	"issue.list":    handleIssueList,
	"issue.get":     handleIssueGet,
	"issue.ready":   handleIssueReady,
	"issue.create":  handleIssueCreate,
	"issue.update":  handleIssueUpdate,
	"issue.close":   handleIssueClose,
	"issue.comment": handleIssueComment,
	"issue.plan":    handleIssuePlan,
	"issue.commit":  handleIssueCommit,

	"permission.request": handlePermissionRequest,
	"permission.respond": handlePermissionRespond,
	"permission.list":    handlePermissionList,
	"question.request":   handleQuestionRequest,
	"question.respond":   handleQuestionRespond,
	"question.list":      handleQuestionList,

	"plan.start":            unsupported,
	"plan.stop":             unsupported,
	"plan.list":             unsupported,
	"plan.send_message":     unsupported,
	"plan.chat_history":     unsupported,
	"manager.start":         unsupported,
	"manager.stop":          unsupported,
	"manager.status":        unsupported,
	"manager.send_message":  unsupported,
	"manager.chat_history":  unsupported,
	"manager.clear_history": unsupported,

	"stats":       handleStats,
	"commit.list": handleCommitList,
	"claim.list":  handleClaimList,
}

func unsupported(ctx context.Context, conn *connState, req Request) (any, error) {
	return nil, typedError{kind: ErrKindUnsupported, message: "not implemented: no component backs this message type"}
}

// typedError carries a wire-level error kind through to dispatch's Response
// rendering, for handlers that need a kind other than ErrKindResource.
type typedError struct {
	kind    string
	message string
}

func (e typedError) Error() string { return e.message }

func decodePayload(req Request, v any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return typedError{kind: ErrKindProtocolViolation, message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}

func handlePing(ctx context.Context, conn *connState, req Request) (any, error) {
	return map[string]any{"ok": true, "time": conn.server.nowFunc()}, nil
}

func handleShutdown(ctx context.Context, conn *connState, req Request) (any, error) {
	conn.server.triggerShutdown()
	return map[string]any{"ok": true}, nil
}

type attachPayload struct {
	Projects []string `json:"projects"`
}

func handleAttach(ctx context.Context, conn *connState, req Request) (any, error) {
	var p attachPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	conn.attach(p.Projects)
	return map[string]any{"ok": true}, nil
}

func handleDetach(ctx context.Context, conn *connState, req Request) (any, error) {
	conn.detach()
	return map[string]any{"ok": true}, nil
}

type projectAddPayload struct {
	Name             string `json:"name"`
	RepoDir          string `json:"repo_dir"`
	WorktreeRoot     string `json:"worktree_root"`
	BranchPrefix     string `json:"branch_prefix"`
	Cap              int    `json:"cap"`
	MergeStrategy    string `json:"merge_strategy"`
	TickIntervalMS   int64  `json:"tick_interval_ms"`
	SilenceThreshold int64  `json:"silence_threshold_ms"`
}

func handleProjectAdd(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectAddPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	spec := supervisor.ProjectSpec{
		Name:             p.Name,
		RepoDir:          p.RepoDir,
		WorktreeRoot:     p.WorktreeRoot,
		BranchPrefix:     p.BranchPrefix,
		Cap:              p.Cap,
		MergeStrategy:    mergepipeline.Strategy(p.MergeStrategy),
		TickInterval:     time.Duration(p.TickIntervalMS) * time.Millisecond,
		SilenceThreshold: time.Duration(p.SilenceThreshold) * time.Millisecond,
	}
	issues, newSpec, err := conn.server.projectBuilder(spec)
	if err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	if err := conn.server.supervisor.AddProject(spec, issues, newSpec); err != nil {
		return nil, typedError{kind: ErrKindPolicyViolation, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

type projectRemovePayload struct {
	Name            string `json:"name"`
	DeleteWorktrees bool   `json:"delete_worktrees"`
}

func handleProjectRemove(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectRemovePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.RemoveProject(p.Name, p.DeleteWorktrees); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleProjectList(ctx context.Context, conn *connState, req Request) (any, error) {
	return conn.server.supervisor.ListProjects(), nil
}

type projectNamePayload struct {
	Name string `json:"name"`
}

func handleProjectStatus(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	for _, status := range conn.server.supervisor.ListProjects() {
		if status.Spec.Name == p.Name {
			return status, nil
		}
	}
	return nil, typedError{kind: ErrKindNotFound, message: "unknown project: " + p.Name}
}

func handleOrchestrationStart(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.StartOrchestration(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleOrchestrationStop(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.StopOrchestration(p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleOrchestrationTick(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.Trigger(p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleAgentList(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	ids, err := conn.server.supervisor.Agents(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": ids}, nil
}

type agentIDPayload struct {
	AgentID string `json:"agent_id"`
}

func handleAgentAbort(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Force   bool   `json:"force"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.AbortAgent(ctx, p.AgentID, p.Force); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleAgentSendMessage(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Text    string `json:"text"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.SendMessage(p.AgentID, p.Text); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleAgentChatHistory(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Limit   int    `json:"limit"`
		Offset  int    `json:"offset"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entries, err := conn.server.supervisor.ChatHistory(p.AgentID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func handleAgentDescribe(ctx context.Context, conn *connState, req Request) (any, error) {
	var p agentIDPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	desc, err := conn.server.supervisor.Describe(p.AgentID)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// handleAgentDone is the explicit-completion-signal entry point (spec.md
// section 4.7): agent_id identifies the agent via a server-trusted ID
// supplied in the request, per spec.md section 6's note on `.done`/`.claim`.
func handleAgentDone(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		AgentID string `json:"agent_id"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	result, err := conn.server.supervisor.Complete(ctx, p.Project, p.AgentID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleAgentClaim reports the (project, issue) an agent owns, reading it
// straight from the Describe view rather than querying the Claim Registry
// directly, since the registry keys by (project, issue) not agent ID.
func handleAgentClaim(ctx context.Context, conn *connState, req Request) (any, error) {
	var p agentIDPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	desc, err := conn.server.supervisor.Describe(p.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": desc.Project, "issue": desc.Issue}, nil
}

func issuesFor(conn *connState, project string) (issuebackend.Backend, error) {
	backend, err := conn.server.supervisor.Issues(project)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func handleIssueList(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Name)
	if err != nil {
		return nil, err
	}
	issues, err := backend.List(ctx)
	if err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"issues": issues}, nil
}

func handleIssueReady(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Name)
	if err != nil {
		return nil, err
	}
	issues, err := backend.Ready(ctx)
	if err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"issues": issues}, nil
}

func handleIssueGet(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		ID      string `json:"id"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	issue, err := backend.Get(ctx, p.ID)
	if err != nil {
		return nil, typedError{kind: ErrKindNotFound, message: err.Error()}
	}
	return issue, nil
}

func handleIssueCreate(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project      string   `json:"project"`
		Title        string   `json:"title"`
		Body         string   `json:"body"`
		Dependencies []string `json:"dependencies"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	issue, err := backend.Create(ctx, p.Title, p.Body, p.Dependencies)
	if err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return issue, nil
}

func handleIssueUpdate(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		ID      string `json:"id"`
		Status  string `json:"status"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	if err := backend.Update(ctx, p.ID, issuebackend.Status(p.Status)); err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handleIssueClose(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		ID      string `json:"id"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	if err := backend.Close(ctx, p.ID); err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handleIssueComment(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		ID      string `json:"id"`
		Author  string `json:"author"`
		Body    string `json:"body"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	if err := backend.Comment(ctx, p.ID, issuebackend.Comment{Author: p.Author, Body: p.Body}); err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handleIssuePlan(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		Project string `json:"project"`
		ID      string `json:"id"`
		Plan    string `json:"plan"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	backend, err := issuesFor(conn, p.Project)
	if err != nil {
		return nil, err
	}
	if err := backend.Plan(ctx, p.ID, p.Plan); err != nil {
		return nil, typedError{kind: ErrKindResource, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handleIssueCommit(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entries, err := conn.server.supervisor.CommitList(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commits": entries}, nil
}

type permissionRequestPayload struct {
	CorrelationID string `json:"correlation_id"`
	AgentID       string `json:"agent_id"`
	ToolName      string `json:"tool_name"`
	ToolInput     string `json:"tool_input"`
	DeadlineMS    int64  `json:"deadline_ms"`
}

// handlePermissionRequest blocks until the broker entry resolves (or the
// request's context is cancelled), per spec.md section 7: "The IPC surface
// always yields a response (no silent hangs)."
func handlePermissionRequest(ctx context.Context, conn *connState, req Request) (any, error) {
	var p permissionRequestPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entry := broker.Entry{AgentID: p.AgentID, ToolName: p.ToolName, ToolInput: p.ToolInput}
	outcomeCh := conn.server.supervisor.Broker().Open(ctx, broker.KindApproval, p.CorrelationID, p.AgentID, entry, time.Duration(p.DeadlineMS)*time.Millisecond)
	select {
	case outcome := <-outcomeCh:
		return map[string]any{"decision": outcome.Decision, "reason": outcome.Reason}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handlePermissionRespond(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		CorrelationID string `json:"correlation_id"`
		Decision      string `json:"decision"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.Broker().Respond(broker.KindApproval, p.CorrelationID, broker.Decision(p.Decision)); err != nil {
		return nil, typedError{kind: ErrKindNotFound, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handlePermissionList(ctx context.Context, conn *connState, req Request) (any, error) {
	return map[string]any{"entries": conn.server.supervisor.Broker().List(broker.KindApproval)}, nil
}

type questionRequestPayload struct {
	CorrelationID string   `json:"correlation_id"`
	AgentID       string   `json:"agent_id"`
	Questions     []string `json:"questions"`
	DeadlineMS    int64    `json:"deadline_ms"`
}

func handleQuestionRequest(ctx context.Context, conn *connState, req Request) (any, error) {
	var p questionRequestPayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entry := broker.Entry{AgentID: p.AgentID, Questions: p.Questions}
	outcomeCh := conn.server.supervisor.Broker().Open(ctx, broker.KindQuestion, p.CorrelationID, p.AgentID, entry, time.Duration(p.DeadlineMS)*time.Millisecond)
	select {
	case outcome := <-outcomeCh:
		return map[string]any{"answers": outcome.Answers, "reason": outcome.Reason}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handleQuestionRespond(ctx context.Context, conn *connState, req Request) (any, error) {
	var p struct {
		CorrelationID string            `json:"correlation_id"`
		Answers       map[string]string `json:"answers"`
	}
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	if err := conn.server.supervisor.Broker().RespondQuestion(p.CorrelationID, p.Answers); err != nil {
		return nil, typedError{kind: ErrKindNotFound, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

func handleQuestionList(ctx context.Context, conn *connState, req Request) (any, error) {
	return map[string]any{"entries": conn.server.supervisor.Broker().List(broker.KindQuestion)}, nil
}

func handleStats(ctx context.Context, conn *connState, req Request) (any, error) {
	projects := conn.server.supervisor.ListProjects()
	return map[string]any{
		"projects":    projects,
		"subscribers": conn.server.supervisor.SubscriberCount(),
	}, nil
}

func handleCommitList(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entries, err := conn.server.supervisor.CommitList(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commits": entries}, nil
}

func handleClaimList(ctx context.Context, conn *connState, req Request) (any, error) {
	var p projectNamePayload
	if err := decodePayload(req, &p); err != nil {
		return nil, err
	}
	entries, err := conn.server.supervisor.ClaimList(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"claims": entries}, nil
}
