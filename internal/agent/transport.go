package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport is the agent's thread-safe HTTP client, shared unchanged
// across the report and poll loops.
type Transport struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewTransport builds a Transport against baseURL. insecureSkipVerify
// exists only for local/dev servers running a self-signed cert without a
// trusted CA; production deployments must not set it.
func NewTransport(baseURL, apiKey string, insecureSkipVerify bool) *Transport {
	client := &http.Client{Timeout: 15 * time.Second}
	if insecureSkipVerify {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Transport{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (t *Transport) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", t.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.client.Do(req)
}

// Report POSTs an already-encoded report body (plaintext or envelope
// JSON) to /api/fleet/report.
func (t *Transport) Report(ctx context.Context, body []byte) error {
	resp, err := t.do(ctx, http.MethodPost, "/api/fleet/report", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("report rejected: status %d", resp.StatusCode)
	}
	return nil
}

// PollCommands fetches every pending command queued for machineID.
func (t *Transport) PollCommands(ctx context.Context, machineID string) ([]CommandDescriptor, error) {
	resp, err := t.do(ctx, http.MethodGet, "/api/fleet/commands/"+machineID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll commands: status %d", resp.StatusCode)
	}
	var out struct {
		Commands []CommandDescriptor `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return out.Commands, nil
}

// Ack posts a command's terminal status back to the server. Ack failures
// are the caller's to log; this method does not retry.
func (t *Transport) Ack(ctx context.Context, machineID, commandID, status string, result map[string]any) error {
	body, err := json.Marshal(map[string]any{"status": status, "result": result})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	resp, err := t.do(ctx, http.MethodPost, "/api/fleet/command/"+commandID+"/ack?machine_id="+machineID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ack rejected: status %d", resp.StatusCode)
	}
	return nil
}

// CommandDescriptor mirrors the wire shape of a queued command, agent side.
type CommandDescriptor struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
