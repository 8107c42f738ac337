// Package broker implements the pending approval/question tables (C10): it
// maps correlation IDs to one-shot response futures so a hook-invoked
// helper process can block until a human or policy decider responds.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind distinguishes the two pending-entry tables.
type Kind string

const (
	KindApproval Kind = "approval"
	KindQuestion Kind = "question"
)

// Decision is the outcome of a resolved approval.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DefaultDeadline is used when a caller does not specify one, per spec.md
// section 5 ("Broker entries: configurable, default 10 min").
const DefaultDeadline = 10 * time.Minute

var (
	// ErrNotFound is returned by Respond when the correlation ID is unknown.
	ErrNotFound = errors.New("broker: entry not found")
	// ErrAlreadyAnswered is returned by Respond when the entry already has
	// an outcome.
	ErrAlreadyAnswered = errors.New("broker: entry already answered")
)

// Outcome is what a waiting hook helper ultimately receives: exactly one,
// per spec.md invariant I6.
type Outcome struct {
	Decision Decision
	Answers  map[string]string // populated for KindQuestion
	Reason   string            // populated on cancel/timeout
}

// Entry is a pending approval or question visible via List.
type Entry struct {
	Kind          Kind
	CorrelationID string
	AgentID       string
	ToolName      string   // KindApproval
	ToolInput     string   // KindApproval
	Questions     []string // KindQuestion: question keys
	Deadline      time.Time
}

// PolicyDecider is the async callable used in rules-then-policy mode. It
// returns "allow", "deny", or "unsure"; any error is treated as "unsure".
type PolicyDecider interface {
	Decide(ctx context.Context, agentID, toolName, toolInput string) (string, error)
}

type pending struct {
	entry    Entry
	resultCh chan Outcome
	once     sync.Once
	resolved bool
	timer    *time.Timer
}

// Broker owns the two pending-entry tables and resolves them exactly once.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*pending

	decider PolicyDecider // nil unless rules-then-policy mode is active
}

// New creates an empty Broker. decider may be nil; when non-nil, it is
// consulted on every Open for KindApproval before the entry is exposed to
// humans.
func New(decider PolicyDecider) *Broker {
	return &Broker{
		entries: make(map[string]*pending),
		decider: decider,
	}
}

// Open inserts a pending entry and returns a channel resolved exactly once
// with the eventual Outcome. If a PolicyDecider is configured and kind is
// KindApproval, the decider is consulted synchronously first; "allow" or
// "deny" resolves immediately, "unsure" or an error fails closed (deny)
// without ever exposing the entry to List/Respond.
func (b *Broker) Open(ctx context.Context, kind Kind, correlationID, agentID string, entry Entry, deadline time.Duration) <-chan Outcome {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	entry.Kind = kind
	entry.CorrelationID = correlationID
	entry.AgentID = agentID
	entry.Deadline = time.Now().Add(deadline)

	resultCh := make(chan Outcome, 1)

	if kind == KindApproval && b.decider != nil {
		verdict, err := b.decider.Decide(ctx, agentID, entry.ToolName, entry.ToolInput)
		if err != nil || verdict == "unsure" {
			resultCh <- Outcome{Decision: DecisionDeny, Reason: "policy-decider-failure-or-unsure"}
			close(resultCh)
			return resultCh
		}
		if verdict == "allow" || verdict == "deny" {
			resultCh <- Outcome{Decision: Decision(verdict)}
			close(resultCh)
			return resultCh
		}
	}

	p := &pending{entry: entry, resultCh: resultCh}

	b.mu.Lock()
	b.entries[correlationID] = p
	b.mu.Unlock()

	p.timer = time.AfterFunc(deadline, func() {
		b.cancel(correlationID, "deadline-exceeded", DecisionDeny)
	})

	return resultCh
}

// List returns every currently pending entry of kind.
func (b *Broker) List(kind Kind) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for _, p := range b.entries {
		if p.entry.Kind == kind {
			out = append(out, p.entry)
		}
	}
	return out
}

// Respond resolves a pending approval with decision. For questions, use
// RespondQuestion instead.
func (b *Broker) Respond(kind Kind, correlationID string, decision Decision) error {
	return b.resolve(correlationID, Outcome{Decision: decision})
}

// RespondQuestion resolves a pending question with free-text answers.
func (b *Broker) RespondQuestion(correlationID string, answers map[string]string) error {
	return b.resolve(correlationID, Outcome{Answers: answers})
}

// Cancel resolves correlationID with a deny/default outcome and the given
// reason (e.g. on supervisor shutdown).
func (b *Broker) Cancel(correlationID, reason string) {
	b.cancel(correlationID, reason, DecisionDeny)
}

func (b *Broker) cancel(correlationID, reason string, decision Decision) {
	_ = b.resolve(correlationID, Outcome{Decision: decision, Reason: reason})
}

func (b *Broker) resolve(correlationID string, outcome Outcome) error {
	b.mu.Lock()
	p, ok := b.entries[correlationID]
	if !ok {
		b.mu.Unlock()
		return ErrNotFound
	}
	if p.resolved {
		b.mu.Unlock()
		return ErrAlreadyAnswered
	}
	p.resolved = true
	delete(b.entries, correlationID)
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}

	p.once.Do(func() {
		p.resultCh <- outcome
		close(p.resultCh)
	})
	return nil
}

// CancelAll resolves every pending entry with deny, used on supervisor
// shutdown per spec.md section 5 ("Pending broker entries are resolved
// with deny on shutdown").
func (b *Broker) CancelAll(reason string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.cancel(id, reason, DecisionDeny)
	}
}
