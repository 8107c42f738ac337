// Package github implements issuebackend.Backend against a real GitHub
// repository, shelling out to the `gh` CLI the way the teacher's
// internal/controller/issues.go does, authenticated via the teacher's
// internal/github TokenManager (GitHub App JWT -> installation token
// exchange) instead of a statically configured personal access token.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andywolf/agentium-supervisor/internal/github"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
)

// Backend adapts a GitHub repository's Issues to issuebackend.Backend.
type Backend struct {
	repo   string // "owner/name"
	tokens *github.TokenManager
}

// New creates a Backend for repo ("owner/name"), using tokens to
// authenticate every `gh` invocation.
func New(repo string, tokens *github.TokenManager) *Backend {
	return &Backend{repo: repo, tokens: tokens}
}

func (b *Backend) run(ctx context.Context, args ...string) ([]byte, error) {
	token, err := b.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("github: fetch installation token: %w", err)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = append(cmd.Environ(), "GITHUB_TOKEN="+token)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// dependencyLabelPrefix marks labels of the form "blocked-by:<number>" as
// dependency edges; GitHub issues have no native dependency graph.
const dependencyLabelPrefix = "blocked-by:"

func toIssue(g ghIssue) issuebackend.Issue {
	status := issuebackend.StatusOpen
	if g.State == "closed" {
		status = issuebackend.StatusClosed
	}

	var deps []string
	for _, l := range g.Labels {
		if strings.HasPrefix(l.Name, dependencyLabelPrefix) {
			deps = append(deps, strings.TrimPrefix(l.Name, dependencyLabelPrefix))
		}
	}

	return issuebackend.Issue{
		ID:           strconv.Itoa(g.Number),
		Status:       status,
		Dependencies: deps,
		Author:       g.Author.Login,
		Title:        g.Title,
		Body:         g.Body,
	}
}

// List implements issuebackend.Backend.
func (b *Backend) List(ctx context.Context) ([]issuebackend.Issue, error) {
	out, err := b.run(ctx, "issue", "list",
		"--repo", b.repo, "--state", "all", "--limit", "500",
		"--json", "number,title,body,state,author,labels")
	if err != nil {
		return nil, err
	}

	var raw []ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("github: parse issue list: %w", err)
	}

	issues := make([]issuebackend.Issue, 0, len(raw))
	for _, g := range raw {
		issues = append(issues, toIssue(g))
	}
	return issues, nil
}

// Ready implements issuebackend.Backend: open issues whose
// "blocked-by:<N>" labels all resolve to closed issues.
func (b *Backend) Ready(ctx context.Context) ([]issuebackend.Issue, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}

	status := make(map[string]issuebackend.Status, len(all))
	for _, issue := range all {
		status[issue.ID] = issue.Status
	}
	resolve := func(id string) (issuebackend.Status, bool) {
		s, ok := status[id]
		return s, ok
	}

	var ready []issuebackend.Issue
	for _, issue := range all {
		if issue.Ready(resolve) {
			ready = append(ready, issue)
		}
	}
	return ready, nil
}

// Get implements issuebackend.Backend.
func (b *Backend) Get(ctx context.Context, id string) (issuebackend.Issue, error) {
	out, err := b.run(ctx, "issue", "view", id,
		"--repo", b.repo, "--json", "number,title,body,state,author,labels")
	if err != nil {
		return issuebackend.Issue{}, err
	}
	var g ghIssue
	if err := json.Unmarshal(out, &g); err != nil {
		return issuebackend.Issue{}, fmt.Errorf("github: parse issue: %w", err)
	}
	return toIssue(g), nil
}

// Create implements issuebackend.Backend. Dependencies are encoded as
// "blocked-by:<id>" labels, created on demand.
func (b *Backend) Create(ctx context.Context, title, body string, dependencies []string) (issuebackend.Issue, error) {
	args := []string{"issue", "create", "--repo", b.repo, "--title", title, "--body", body}
	for _, dep := range dependencies {
		args = append(args, "--label", dependencyLabelPrefix+dep)
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		return issuebackend.Issue{}, err
	}

	url := strings.TrimSpace(string(out))
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return issuebackend.Issue{}, fmt.Errorf("github: could not parse issue number from %q", url)
	}
	return b.Get(ctx, url[idx+1:])
}

// Update implements issuebackend.Backend.
func (b *Backend) Update(ctx context.Context, id string, status issuebackend.Status) error {
	switch status {
	case issuebackend.StatusClosed:
		return b.Close(ctx, id)
	case issuebackend.StatusOpen:
		_, err := b.run(ctx, "issue", "reopen", id, "--repo", b.repo)
		return err
	default:
		return fmt.Errorf("github: unsupported status %q", status)
	}
}

// Close implements issuebackend.Backend.
func (b *Backend) Close(ctx context.Context, id string) error {
	_, err := b.run(ctx, "issue", "close", id, "--repo", b.repo)
	return err
}

// Comment implements issuebackend.Backend.
func (b *Backend) Comment(ctx context.Context, id string, c issuebackend.Comment) error {
	body := fmt.Sprintf("**%s:**\n\n%s", c.Author, c.Body)
	_, err := b.run(ctx, "issue", "comment", id, "--repo", b.repo, "--body", body)
	return err
}

// Plan implements issuebackend.Backend by posting the plan as a labelled
// comment; GitHub issues have no first-class structured-plan field.
func (b *Backend) Plan(ctx context.Context, id, plan string) error {
	return b.Comment(ctx, id, issuebackend.Comment{Author: "planner", Body: "## Plan\n\n" + plan})
}

// CreatePullRequest implements issuebackend.Backend.
func (b *Backend) CreatePullRequest(ctx context.Context, branch, title, body string) (string, error) {
	out, err := b.run(ctx, "pr", "create",
		"--repo", b.repo, "--head", branch, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
