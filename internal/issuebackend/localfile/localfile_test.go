package localfile

import (
	"context"
	"strings"
	"testing"

	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	created, err := b.Create(ctx, "Fix the thing", "Body text", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := b.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Fix the thing" || got.Body != "Body text" || got.Status != issuebackend.StatusOpen {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestReadyRequiresAllDependenciesClosed(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	dep, _ := b.Create(ctx, "dependency", "", nil)
	issue, _ := b.Create(ctx, "dependent", "", []string{dep.ID})

	ready, err := b.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	for _, r := range ready {
		if r.ID == issue.ID {
			t.Fatal("expected dependent issue to not be ready while dependency is open")
		}
	}

	if err := b.Close(ctx, dep.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ready, err = b.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	var found bool
	for _, r := range ready {
		if r.ID == issue.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected dependent issue to be ready once dependency closed")
	}
}

func TestReadyOrdersByPriorityThenID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	low, _ := b.Create(ctx, "low", "", nil)
	b.mu.Lock()
	issue, _ := b.readFile(b.path(low.ID))
	issue.Priority = 1
	_ = b.writeFile(issue)
	b.mu.Unlock()

	high, _ := b.Create(ctx, "high", "", nil)
	b.mu.Lock()
	issue, _ = b.readFile(b.path(high.ID))
	issue.Priority = 10
	_ = b.writeFile(issue)
	b.mu.Unlock()

	ready, err := b.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != high.ID {
		t.Fatalf("expected higher priority issue first, got %+v", ready)
	}
}

func TestCommentAppendsToBody(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	issue, _ := b.Create(ctx, "title", "original body", nil)
	if err := b.Comment(ctx, issue.ID, issuebackend.Comment{Author: "alice", Body: "looks good"}); err != nil {
		t.Fatalf("Comment: %v", err)
	}

	got, _ := b.Get(ctx, issue.ID)
	if !strings.Contains(got.Body, "original body") || !strings.Contains(got.Body, "looks good") {
		t.Fatalf("expected comment appended, got body: %q", got.Body)
	}
}

func TestPlanInsertsAndReplacesSection(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	issue, _ := b.Create(ctx, "title", "body", nil)
	if err := b.Plan(ctx, issue.ID, "step one"); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got, _ := b.Get(ctx, issue.ID)
	if !strings.Contains(got.Body, "## Plan\nstep one") {
		t.Fatalf("expected plan section inserted, got: %q", got.Body)
	}

	if err := b.Plan(ctx, issue.ID, "step two"); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got, _ = b.Get(ctx, issue.ID)
	if strings.Contains(got.Body, "step one") || !strings.Contains(got.Body, "step two") {
		t.Fatalf("expected plan section replaced, got: %q", got.Body)
	}
}

func TestCreatePullRequestUnsupported(t *testing.T) {
	b := newTestBackend(t)
	if _, err := b.CreatePullRequest(context.Background(), "branch", "title", "body"); err == nil {
		t.Fatal("expected error: localfile backend has no pull request concept")
	}
}
