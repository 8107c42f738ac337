package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	agentconfig "github.com/andywolf/agentium-supervisor/internal/config"
)

// callIPC is a minimal one-shot client for the daemon's JSONL socket
// (internal/ipc), used by the project subcommands: dial, send one request,
// read the matching response, disconnect. It does not attach for events;
// the project subcommands only need a single request/response round trip.
func callIPC(socketPath, reqType string, payload any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc client: connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc client: encoding request: %w", err)
	}

	line, err := json.Marshal(struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Type: reqType, ID: "cli", Payload: body})
	if err != nil {
		return nil, fmt.Errorf("ipc client: encoding envelope: %w", err)
	}

	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("ipc client: writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("ipc client: reading response: %w", err)
		}
		return nil, fmt.Errorf("ipc client: connection closed with no response")
	}

	var resp struct {
		Success bool            `json:"success"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("ipc client: decoding response: %w", err)
	}
	if !resp.Success {
		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.Payload, &errPayload)
		return nil, fmt.Errorf("ipc client: %s: %s", errPayload.Error, errPayload.Message)
	}
	return resp.Payload, nil
}

// socketPathFromConfig loads the daemon's configured socket path, the same
// way runServe does, so the CLI client talks to the right socket without a
// separate --socket flag for the common case.
func socketPathFromConfig() (string, error) {
	cfg, err := agentconfig.Load()
	if err != nil {
		return "", err
	}
	return cfg.SocketPath, nil
}
