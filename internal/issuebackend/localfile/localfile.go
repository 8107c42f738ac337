// Package localfile implements issuebackend.Backend over a directory of
// markdown files, one per issue, each a YAML frontmatter block followed by
// a markdown body — the same frontmatter-plus-body shape the teacher's
// sibling example (madhatter5501-Factory) renders with goldmark, adapted
// here from a read-only dashboard view into a read/write ticket store.
package localfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
)

const frontmatterDelim = "---"

type frontmatter struct {
	ID           string   `yaml:"id"`
	Status       string   `yaml:"status"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Priority     int      `yaml:"priority"`
	Author       string   `yaml:"author,omitempty"`
	Title        string   `yaml:"title"`
}

// Backend is a markdown-ticket-directory issuebackend.Backend.
type Backend struct {
	dir string

	mu   sync.Mutex
	next int
}

// New creates a Backend rooted at dir, creating the directory if absent.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localfile: create ticket directory: %w", err)
	}
	return &Backend{dir: dir}, nil
}

func (b *Backend) path(id string) string {
	return filepath.Join(b.dir, id+".md")
}

func (b *Backend) readAll() ([]issuebackend.Issue, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("localfile: read ticket directory: %w", err)
	}

	var issues []issuebackend.Issue
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		issue, err := b.readFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func (b *Backend) readFile(path string) (issuebackend.Issue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return issuebackend.Issue{}, fmt.Errorf("localfile: read %s: %w", path, err)
	}
	fm, body, err := splitFrontmatter(raw)
	if err != nil {
		return issuebackend.Issue{}, fmt.Errorf("localfile: %s: %w", path, err)
	}
	return issuebackend.Issue{
		ID:           fm.ID,
		Status:       issuebackend.Status(fm.Status),
		Dependencies: fm.Dependencies,
		Priority:     fm.Priority,
		Author:       fm.Author,
		Title:        fm.Title,
		Body:         body,
	}, nil
}

func splitFrontmatter(raw []byte) (frontmatter, string, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontmatterDelim) {
		return frontmatter{}, "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := strings.TrimPrefix(text, frontmatterDelim+"\n")
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return frontmatter{}, "", fmt.Errorf("unterminated frontmatter block")
	}
	yamlBlock := rest[:end]
	body := strings.TrimPrefix(rest[end+len(frontmatterDelim)+1:], "\n")

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return fm, body, nil
}

func renderFile(fm frontmatter, body string) ([]byte, error) {
	yamlBlock, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("render frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(yamlBlock)
	buf.WriteString(frontmatterDelim + "\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

func (b *Backend) writeFile(issue issuebackend.Issue) error {
	fm := frontmatter{
		ID:           issue.ID,
		Status:       string(issue.Status),
		Dependencies: issue.Dependencies,
		Priority:     issue.Priority,
		Author:       issue.Author,
		Title:        issue.Title,
	}
	data, err := renderFile(fm, issue.Body)
	if err != nil {
		return err
	}

	tmp := b.path(issue.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localfile: write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path(issue.ID)); err != nil {
		return fmt.Errorf("localfile: rename into place: %w", err)
	}
	return nil
}

// List implements issuebackend.Backend.
func (b *Backend) List(ctx context.Context) ([]issuebackend.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readAll()
}

// Ready implements issuebackend.Backend: open issues whose dependencies are
// all closed, ordered by priority descending then ID ascending.
func (b *Backend) Ready(ctx context.Context) ([]issuebackend.Issue, error) {
	b.mu.Lock()
	all, err := b.readAll()
	b.mu.Unlock()
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
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// Get implements issuebackend.Backend.
func (b *Backend) Get(ctx context.Context, id string) (issuebackend.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readFile(b.path(id))
}

// Create implements issuebackend.Backend.
func (b *Backend) Create(ctx context.Context, title, body string, dependencies []string) (issuebackend.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	issue := issuebackend.Issue{
		ID:           fmt.Sprintf("local-%d", b.next),
		Status:       issuebackend.StatusOpen,
		Dependencies: dependencies,
		Title:        title,
		Body:         body,
	}
	if err := b.writeFile(issue); err != nil {
		return issuebackend.Issue{}, err
	}
	return issue, nil
}

// Update implements issuebackend.Backend.
func (b *Backend) Update(ctx context.Context, id string, status issuebackend.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	issue, err := b.readFile(b.path(id))
	if err != nil {
		return err
	}
	issue.Status = status
	return b.writeFile(issue)
}

// Close implements issuebackend.Backend.
func (b *Backend) Close(ctx context.Context, id string) error {
	return b.Update(ctx, id, issuebackend.StatusClosed)
}

// Comment implements issuebackend.Backend by appending a rendered markdown
// comment section to the ticket body.
func (b *Backend) Comment(ctx context.Context, id string, c issuebackend.Comment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	issue, err := b.readFile(b.path(id))
	if err != nil {
		return err
	}
	issue.Body += fmt.Sprintf("\n\n---\n**%s:** %s\n", c.Author, c.Body)
	return b.writeFile(issue)
}

// Plan implements issuebackend.Backend by replacing a "## Plan" section in
// the ticket body, appending one if absent.
func (b *Backend) Plan(ctx context.Context, id, plan string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	issue, err := b.readFile(b.path(id))
	if err != nil {
		return err
	}

	const heading = "## Plan\n"
	section := heading + plan + "\n"
	if idx := strings.Index(issue.Body, heading); idx >= 0 {
		rest := issue.Body[idx+len(heading):]
		if end := strings.Index(rest, "\n## "); end >= 0 {
			issue.Body = issue.Body[:idx] + section + rest[end+1:]
		} else {
			issue.Body = issue.Body[:idx] + section
		}
	} else {
		issue.Body += "\n\n" + section
	}
	return b.writeFile(issue)
}

// CreatePullRequest implements issuebackend.Backend. Local-file tickets
// have no remote hosting concept, so this backend cannot support the
// "prepare pull request" merge strategy.
func (b *Backend) CreatePullRequest(ctx context.Context, branch, title, body string) (string, error) {
	return "", fmt.Errorf("localfile: backend has no pull request concept, use the direct merge strategy")
}

// RenderHTML converts an issue's markdown body to HTML, e.g. for display in
// an attached TUI or web view; mirrors the teacher's goldmark usage in
// internal/web/server.go's "markdown" template helper.
func (b *Backend) RenderHTML(issue issuebackend.Issue) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(issue.Body), &buf); err != nil {
		return "", fmt.Errorf("localfile: render markdown: %w", err)
	}
	return buf.String(), nil
}
