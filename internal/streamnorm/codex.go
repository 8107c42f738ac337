package streamnorm

import (
	"encoding/json"
	"fmt"
)

// CodexDialect recognises OpenAI Codex CLI's --json NDJSON output,
// generalised from the teacher's internal/agent/codex/adapter.go
// ParseOutput switch into an incremental, canonical-event producing form.
type CodexDialect struct{}

func (CodexDialect) Name() string { return "codex" }

type codexItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Command  string `json:"command,omitempty"`
	Output   string `json:"output,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

type codexEvent struct {
	Type    string          `json:"type"`
	Item    *codexItem      `json:"item,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (CodexDialect) Parse(line []byte) ([]Event, error) {
	var evt codexEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil, fmt.Errorf("codex: malformed line: %w", err)
	}

	switch evt.Type {
	case "thread.started":
		if evt.ThreadID != "" {
			return []Event{{Kind: KindThread, Token: evt.ThreadID}}, nil
		}
		return nil, nil

	case "item.completed":
		if evt.Item == nil {
			return nil, nil
		}
		switch evt.Item.Type {
		case "agent_message":
			if evt.Item.Text == "" {
				return nil, nil
			}
			return []Event{{Kind: KindAssistantText, Content: evt.Item.Text}}, nil
		case "command_execution":
			return []Event{
				{Kind: KindToolInvocation, Tool: "shell", InputSummary: evt.Item.Command},
				{Kind: KindToolResult, Tool: "shell", Summary: evt.Item.Output, OK: true},
			}, nil
		case "file_change":
			return []Event{{Kind: KindToolResult, Tool: "file_change", Summary: evt.Item.FilePath, OK: true}}, nil
		}
		return nil, nil

	case "turn.completed":
		return []Event{{Kind: KindIdle, Reason: "turn.completed"}}, nil

	case "turn.failed", "error":
		if evt.Error != nil && evt.Error.Message != "" {
			return []Event{{Kind: KindError, Detail: evt.Error.Message}}, nil
		}
		return nil, nil
	}

	return nil, nil
}
