package agentruntime

import "encoding/json"

// ClaudeCodeEncoder renders outbound turns in the same "user" message shape
// Claude Code emits on its own stdout (rawEvent/rawMessage/rawContentBlock
// in internal/agent/claudecode/stream.go), so a turn written to stdin and a
// turn echoed back on stdout share one wire shape.
type ClaudeCodeEncoder struct{}

type claudeCodeUserLine struct {
	Type    string            `json:"type"`
	Message claudeCodeMessage `json:"message"`
}

type claudeCodeMessage struct {
	Content []claudeCodeBlock `json:"content"`
}

type claudeCodeBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Encode implements MessageEncoder.
func (ClaudeCodeEncoder) Encode(text string) ([]byte, error) {
	return json.Marshal(claudeCodeUserLine{
		Type: "user",
		Message: claudeCodeMessage{
			Content: []claudeCodeBlock{{Type: "text", Text: text}},
		},
	})
}

// CodexEncoder renders outbound turns matching Codex's item-based event
// shape (internal/agent/codex/adapter.go's codexItem/codexEvent).
type CodexEncoder struct{}

type codexUserLine struct {
	Type string        `json:"type"`
	Item codexUserItem `json:"item"`
}

type codexUserItem struct {
	Type string `json:"item_type"`
	Text string `json:"text"`
}

// Encode implements MessageEncoder.
func (CodexEncoder) Encode(text string) ([]byte, error) {
	return json.Marshal(codexUserLine{
		Type: "user_input",
		Item: codexUserItem{Type: "agent_message", Text: text},
	})
}
