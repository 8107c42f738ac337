// agentium-hook is the external short-lived helper process from spec.md
// section 9 ("Hook helper: an external short-lived process invoked by the
// agent CLI to obtain a permission decision before running a tool").
// It reads one JSON tool-use description from stdin, opens a
// permission.request over the daemon's IPC socket, blocks for the single
// response frame, and reports the outcome on stdout and via its exit code,
// matching the "coroutine-style control flow... explicit request-reply"
// shape spec.md section 9's REDESIGN FLAGS calls for.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

type toolUseRequest struct {
	AgentID       string `json:"agent_id"`
	ToolName      string `json:"tool_name"`
	ToolInput     string `json:"tool_input"`
	CorrelationID string `json:"correlation_id"`
}

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentium-hook:", err)
		os.Exit(2)
	}
}

func run() error {
	var req toolUseRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decoding tool-use request from stdin: %w", err)
	}
	if req.AgentID == "" {
		req.AgentID = os.Getenv("AGENTIUM_AGENT_ID")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = os.Getenv("AGENTIUM_CORRELATION_ID")
	}

	socketPath := os.Getenv("AGENTIUM_SOCKET_PATH")
	if socketPath == "" {
		socketPath = "/tmp/agentium/agentium.sock"
	}

	decision, reason, err := requestPermission(socketPath, req)
	if err != nil {
		return err
	}

	out, _ := json.Marshal(map[string]string{"decision": decision, "reason": reason})
	fmt.Println(string(out))

	if decision != "allow" {
		os.Exit(1)
	}
	return nil
}

func requestPermission(socketPath string, req toolUseRequest) (decision, reason string, err error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(map[string]any{
		"agent_id":       req.AgentID,
		"tool_name":      req.ToolName,
		"tool_input":     req.ToolInput,
		"correlation_id": req.CorrelationID,
	})
	if err != nil {
		return "", "", fmt.Errorf("encoding request payload: %w", err)
	}

	line, err := json.Marshal(envelope{Type: "permission.request", ID: "hook", Payload: payload})
	if err != nil {
		return "", "", fmt.Errorf("encoding request envelope: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return "", "", fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", "", fmt.Errorf("reading response: %w", err)
		}
		return "", "", fmt.Errorf("connection closed with no response")
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return "", "", fmt.Errorf("decoding response: %w", err)
	}
	if !resp.Success {
		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.Payload, &errPayload)
		return "", "", fmt.Errorf("%s: %s", errPayload.Error, errPayload.Message)
	}

	var outcome struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(resp.Payload, &outcome); err != nil {
		return "", "", fmt.Errorf("decoding outcome: %w", err)
	}
	return outcome.Decision, outcome.Reason, nil
}
