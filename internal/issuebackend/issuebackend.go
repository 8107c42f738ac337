// Package issuebackend defines the abstract IssueBackend capability set
// (spec.md section 1): the seam between the core orchestration logic and
// concrete issue trackers (local markdown tickets, GitHub, Linear).
package issuebackend

import "context"

// Status is the lifecycle state of an Issue.
type Status string

const (
	StatusOpen   Status = "open"
	StatusBlocked Status = "blocked"
	StatusClosed Status = "closed"
)

// Issue is the backend-agnostic view of a trackable unit of work.
type Issue struct {
	ID           string
	Status       Status
	Dependencies []string
	Priority     int
	Author       string
	Title        string
	Body         string
}

// Ready reports whether the issue is open and every dependency is closed.
// Backends that do not resolve dependencies leave Dependencies empty, which
// trivially satisfies this.
func (i Issue) Ready(resolve func(id string) (Status, bool)) bool {
	if i.Status != StatusOpen {
		return false
	}
	for _, dep := range i.Dependencies {
		status, ok := resolve(dep)
		if !ok || status != StatusClosed {
			return false
		}
	}
	return true
}

// Comment is a single free-text note attached to an issue.
type Comment struct {
	Author string
	Body   string
}

// Backend is the full capability set the orchestrator and merge pipeline
// depend on. Implementations (localfile, github) adapt a concrete tracker
// to this shape; the core never depends on concrete backend types.
type Backend interface {
	// List returns every issue known to the backend.
	List(ctx context.Context) ([]Issue, error)
	// Ready returns open issues whose dependencies are all closed, ordered
	// by the backend's own priority rule (highest priority first, then
	// backend-defined tiebreak).
	Ready(ctx context.Context) ([]Issue, error)
	Get(ctx context.Context, id string) (Issue, error)
	Create(ctx context.Context, title, body string, dependencies []string) (Issue, error)
	Update(ctx context.Context, id string, status Status) error
	Close(ctx context.Context, id string) error
	Comment(ctx context.Context, id string, c Comment) error
	// Plan attaches or replaces a structured plan body on an issue, used by
	// planner-role agents before coding agents are spawned against it.
	Plan(ctx context.Context, id, plan string) error
	// CreatePullRequest is only meaningful for backends that support it
	// (used by the "prepare pull request" merge strategy); backends that do
	// not support pull requests return an error identifying themselves.
	CreatePullRequest(ctx context.Context, branch, title, body string) (url string, err error)
}
