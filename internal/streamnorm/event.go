// Package streamnorm implements the Stream Normaliser (C4): a pure,
// incremental parser that turns an agent subprocess's line-delimited JSON
// stdout into the canonical event model shared by every backend dialect.
// It owns no I/O; it only consumes bytes and produces Events.
package streamnorm

// Kind enumerates the canonical event types the normaliser can emit.
type Kind string

const (
	KindAssistantText  Kind = "assistant-text"
	KindToolInvocation Kind = "tool-invocation"
	KindToolResult     Kind = "tool-result"
	KindThread         Kind = "thread-id"
	KindIdle           Kind = "idle"
	KindError          Kind = "error"
)

// Event is the canonical, backend-agnostic normalised event.
type Event struct {
	Kind Kind

	// AssistantText
	Content string

	// ToolInvocation / ToolResult
	Tool         string
	InputSummary string
	Summary      string
	OK           bool

	// Thread
	Token string

	// Idle
	Reason string

	// Error
	Detail string
}

// Dialect is the per-backend recognizer: given one decoded JSON line (as
// raw bytes), it produces zero or more canonical Events. Selection of a
// dialect is fixed at agent creation and never changes mid-stream.
type Dialect interface {
	// Name identifies the dialect, e.g. "claude-code" or "codex".
	Name() string

	// Parse decodes a single complete line (without trailing newline) into
	// canonical events. Malformed lines must not panic; the caller wraps
	// decode failures into an Error event.
	Parse(line []byte) ([]Event, error)
}
