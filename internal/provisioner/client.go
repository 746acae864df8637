// Package provisioner is the HTTP client for the external sandbox
// provisioner. Endpoint URLs are supplied per session at start time; the
// agent never retries these calls and always awaits their completion.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coderelay/coderelay/pkg/protocol"
)

// ErrSandboxGone reports that the provisioner returned 409: the sandbox
// already exited. Hibernation treats this as a clean terminal state.
var ErrSandboxGone = errors.New("provisioner: sandbox already gone")

const defaultTimeout = 120 * time.Second

// Client calls the provisioner endpoints.
type Client struct {
	http *http.Client
}

// NewClient creates a provisioner client.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: defaultTimeout}}
}

// NewClientWithHTTP creates a client with a custom http.Client (tests).
func NewClientWithHTTP(h *http.Client) *Client {
	return &Client{http: h}
}

// SpawnResult is the provisioner's response to spawn and restore calls.
type SpawnResult struct {
	SandboxID string            `json:"sandboxId"`
	Tunnels   *protocol.Tunnels `json:"tunnels,omitempty"`
}

// SnapshotResult is the provisioner's response to a hibernate call.
type SnapshotResult struct {
	SnapshotID string `json:"snapshotId"`
}

// Spawn creates a new sandbox using the stored spawn request payload.
func (c *Client) Spawn(ctx context.Context, url string, spawnRequest json.RawMessage) (*SpawnResult, error) {
	var out SpawnResult
	if err := c.post(ctx, url, spawnRequest, &out); err != nil {
		return nil, fmt.Errorf("spawn sandbox: %w", err)
	}
	if out.SandboxID == "" {
		return nil, fmt.Errorf("spawn sandbox: response missing sandboxId")
	}
	return &out, nil
}

// Hibernate snapshots the sandbox. Returns ErrSandboxGone on 409.
func (c *Client) Hibernate(ctx context.Context, url, sandboxID string) (*SnapshotResult, error) {
	body := map[string]string{"sandboxId": sandboxID}
	payload, _ := json.Marshal(body)

	var out SnapshotResult
	if err := c.post(ctx, url, payload, &out); err != nil {
		return nil, err
	}
	if out.SnapshotID == "" {
		return nil, fmt.Errorf("hibernate sandbox: response missing snapshotId")
	}
	return &out, nil
}

// Restore re-creates a sandbox from a snapshot, reusing the original spawn
// request for environment and workspace settings.
func (c *Client) Restore(ctx context.Context, url, snapshotID string, spawnRequest json.RawMessage) (*SpawnResult, error) {
	body := map[string]json.RawMessage{
		"snapshotId":   json.RawMessage(fmt.Sprintf("%q", snapshotID)),
		"spawnRequest": spawnRequest,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("restore sandbox: %w", err)
	}

	var out SpawnResult
	if err := c.post(ctx, url, payload, &out); err != nil {
		return nil, fmt.Errorf("restore sandbox: %w", err)
	}
	if out.SandboxID == "" {
		return nil, fmt.Errorf("restore sandbox: response missing sandboxId")
	}
	return &out, nil
}

// Terminate destroys the sandbox. A 409 is treated as already terminated.
func (c *Client) Terminate(ctx context.Context, url, sandboxID string) error {
	body := map[string]string{"sandboxId": sandboxID}
	payload, _ := json.Marshal(body)

	err := c.post(ctx, url, payload, nil)
	if errors.Is(err, ErrSandboxGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate sandbox: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload json.RawMessage, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call provisioner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrSandboxGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provisioner returned %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provisioner response: %w", err)
	}
	return nil
}
