package streamnorm

import (
	"encoding/json"
	"fmt"
)

// ClaudeCodeDialect recognises Claude Code's stream-json NDJSON output,
// generalised from the teacher's internal/agent/claudecode/stream.go
// single-shot parser into an incremental, canonical-event producing form.
type ClaudeCodeDialect struct{}

func (ClaudeCodeDialect) Name() string { return "claude-code" }

type ccRawEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type ccRawBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  interface{}     `json:"content,omitempty"`
}

type ccRawMessage struct {
	Content []ccRawBlock `json:"content"`
}

type ccRawResult struct {
	Content    []ccRawBlock `json:"content"`
	StopReason string       `json:"stop_reason,omitempty"`
}

func (ClaudeCodeDialect) Parse(line []byte) ([]Event, error) {
	var evt ccRawEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil, fmt.Errorf("claude-code: malformed line: %w", err)
	}

	switch evt.Type {
	case "system":
		if evt.Subtype == "init" {
			// Session-start carries the thread/session token in the message's
			// session_id field.
			var init struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(evt.Message, &init)
			if init.SessionID != "" {
				return []Event{{Kind: KindThread, Token: init.SessionID}}, nil
			}
		}
		return nil, nil

	case "assistant", "user":
		var msg ccRawMessage
		if err := json.Unmarshal(evt.Message, &msg); err != nil {
			return nil, fmt.Errorf("claude-code: malformed message: %w", err)
		}
		return blocksToEvents(msg.Content), nil

	case "result":
		var res ccRawResult
		if err := json.Unmarshal(evt.Result, &res); err != nil {
			return nil, fmt.Errorf("claude-code: malformed result: %w", err)
		}
		events := blocksToEvents(res.Content)
		events = append(events, Event{Kind: KindIdle, Reason: res.StopReason})
		return events, nil
	}

	return nil, nil
}

func blocksToEvents(blocks []ccRawBlock) []Event {
	var events []Event
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Kind: KindAssistantText, Content: block.Text})
			}
		case "thinking":
			// Thinking content is not a canonical event kind in this spec;
			// fold it into assistant text so it is not silently dropped.
			if block.Thinking != "" {
				events = append(events, Event{Kind: KindAssistantText, Content: block.Thinking})
			}
		case "tool_use":
			events = append(events, Event{
				Kind:         KindToolInvocation,
				Tool:         block.Name,
				InputSummary: summarizeRaw(block.Input),
			})
		case "tool_result":
			summary := blockContentToString(block.Content)
			events = append(events, Event{
				Kind:    KindToolResult,
				Summary: summary,
				OK:      true,
			})
		}
	}
	return events
}

func summarizeRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	const maxLen = 200
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}

func blockContentToString(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
