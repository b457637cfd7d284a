// Package sandbox drives the per-session compute sandbox through its
// lifecycle. The runtime itself is external; this package only consumes its
// spawn/stop/status contract.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/retry"
)

// Sandbox statuses.
const (
	StatusAbsent  = "absent"
	StatusWarming = "warming"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// SpawnRequest describes the sandbox a runtime should bring up.
type SpawnRequest struct {
	SessionID  string `json:"session_id"`
	AuthToken  string `json:"auth_token"`
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	Model      string `json:"model"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// Runtime is the external sandbox runtime contract.
type Runtime interface {
	Spawn(ctx context.Context, req SpawnRequest) error
	Stop(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (string, error)
}

// HTTPRuntime talks to a sandbox runtime service over HTTP.
type HTTPRuntime struct {
	baseURL string
	token   string
	client  *http.Client
	retry   retry.Config
	logger  zerolog.Logger
}

// NewHTTPRuntime creates an HTTP runtime client.
func NewHTTPRuntime(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "sandbox_runtime").Logger(),
	}
}

// Spawn asks the runtime to bring up a sandbox for the session.
func (r *HTTPRuntime) Spawn(ctx context.Context, req SpawnRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling spawn request: %w", err)
	}
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.call(ctx, http.MethodPost, "/sandboxes", body)
	})
}

// Stop asks the runtime to tear down the session's sandbox.
func (r *HTTPRuntime) Stop(ctx context.Context, sessionID string) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.call(ctx, http.MethodDelete, "/sandboxes/"+sessionID, nil)
	})
}

// Status fetches the runtime's view of the session's sandbox.
func (r *HTTPRuntime) Status(ctx context.Context, sessionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sandboxes/"+sessionID, nil)
	if err != nil {
		return "", fmt.Errorf("creating status request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runtime status call: %w", apperr.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StatusAbsent, nil
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("runtime status returned %d: %w", resp.StatusCode, apperr.ErrUnavailable)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding runtime status: %w", err)
	}
	return out.Status, nil
}

func (r *HTTPRuntime) call(ctx context.Context, method, path string, body []byte) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime %s %s: %w", method, path, apperr.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("runtime %s %s returned %d: %w", method, path, resp.StatusCode, apperr.ErrUnavailable)
	default:
		return fmt.Errorf("runtime %s %s returned %d", method, path, resp.StatusCode)
	}
}

func (r *HTTPRuntime) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

// NopRuntime is a runtime that does nothing, for development without a
// sandbox backend.
type NopRuntime struct{}

func (NopRuntime) Spawn(context.Context, SpawnRequest) error      { return nil }
func (NopRuntime) Stop(context.Context, string) error             { return nil }
func (NopRuntime) Status(context.Context, string) (string, error) { return StatusAbsent, nil }
