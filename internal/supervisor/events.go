package supervisor

import (
	"sync"
	"time"
)

// EventKind enumerates the supervisor-level event stream named in spec.md
// section 6 ("Events: heartbeat, agent.chat, agent.state, agent.idle,
// permission.requested, permission.resolved, question.requested,
// question.resolved, orchestration.tick_requested").
type EventKind string

const (
	EventHeartbeat           EventKind = "heartbeat"
	EventAgentChat           EventKind = "agent.chat"
	EventAgentState          EventKind = "agent.state"
	EventAgentIdle           EventKind = "agent.idle"
	EventPermissionRequested EventKind = "permission.requested"
	EventPermissionResolved  EventKind = "permission.resolved"
	EventQuestionRequested   EventKind = "question.requested"
	EventQuestionResolved    EventKind = "question.resolved"
	EventOrchestrationTick   EventKind = "orchestration.tick_requested"
)

// Event is one broadcast unit. Summary/Content/State mirror
// agentruntime.ChildEvent and streamnorm.Event fields loosely enough to
// cover both agent-originated and supervisor-originated events without the
// supervisor package importing every upstream event shape 1:1; IPC framing
// (internal/ipc) will project this into the wire JSON envelope.
type Event struct {
	Kind      EventKind
	Project   string
	AgentID   string
	Content   string
	State     string
	Timestamp time.Time
}

// subscriberQueueSize bounds each subscriber's channel, per spec.md section
// 4.9 ("If a subscriber is slow, its queue is bounded; overflow drops the
// slowest subscriber"). Grounded on the same bounded-channel idiom the
// teacher uses for its own event fanout (internal/events is unbounded, but
// this module's spec explicitly calls for backpressure via drop, so the
// channel capacity plus non-blocking send below implements the policy the
// teacher doesn't need).
const subscriberQueueSize = 256

type subscriber struct {
	id       int
	projects map[string]bool // nil/empty: all projects
	ch       chan Event
}

func (s *subscriber) wants(project string) bool {
	if len(s.projects) == 0 {
		return true
	}
	return s.projects[project]
}

// fanout owns the subscriber set and broadcasts events to each, dropping
// (closing and forgetting) any subscriber whose queue is full rather than
// blocking the publisher. Per spec.md: "it reconnects" — a dropped
// subscriber is expected to Attach again.
type fanout struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]*subscriber)}
}

// attach registers a new subscriber filtered to projects (empty/nil means
// every project) and returns its ID, receive channel, and a detach func.
func (f *fanout) attach(projects []string) (int, <-chan Event, func()) {
	filter := make(map[string]bool, len(projects))
	for _, p := range projects {
		filter[p] = true
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	sub := &subscriber{id: id, projects: filter, ch: make(chan Event, subscriberQueueSize)}
	f.subs[id] = sub
	f.mu.Unlock()

	detach := func() { f.detach(id) }
	return id, sub.ch, detach
}

func (f *fanout) detach(id int) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// publish broadcasts ev to every subscriber whose filter matches. A full
// queue drops that subscriber entirely instead of blocking this call,
// since publish runs on the same goroutine that observed the underlying
// state change (spec.md: "Events are broadcast after the state change they
// describe is committed").
func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	targets := make([]*subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.wants(ev.Project) {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			f.detach(sub.id)
		}
	}
}

// count returns the number of currently attached subscribers, for tests
// and stats introspection.
func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
