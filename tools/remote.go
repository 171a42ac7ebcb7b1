package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

const (
	defaultRemoteTimeout = 30 * time.Second
	maxResponseBytes     = 1 << 20
	errorBodyPreview     = 300
)

// RemoteTool calls a tool served over HTTP. The request body is
// {"arguments": {...}, "user_id": "..."}; the response body is
// {"success": bool, "data": any, "error": string | {"code", "message"}}.
type RemoteTool struct {
	info     core.ToolInfo
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewRemoteTool creates a remote tool. A nil client uses a traced client
// with cfg.Timeout (30s when unset).
func NewRemoteTool(cfg core.RemoteToolConfig, client *http.Client) (*RemoteTool, error) {
	if cfg.Name == "" || cfg.Endpoint == "" {
		return nil, core.NewFrameworkError("NewRemoteTool", "config", core.ErrMissingConfiguration)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRemoteTimeout
		}
		client = telemetry.NewTracedHTTPClient(nil, timeout)
	}
	return &RemoteTool{
		info: core.ToolInfo{
			Name:         cfg.Name,
			Description:  cfg.Description,
			RequiredArgs: cfg.RequiredArgs,
		},
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		client:   client,
	}, nil
}

func (t *RemoteTool) Info() core.ToolInfo { return t.info }

type remoteRequest struct {
	Arguments map[string]interface{} `json:"arguments"`
	UserID    string                 `json:"user_id,omitempty"`
}

type remoteResponse struct {
	Success bool            `json:"success"`
	Data    interface{}     `json:"data"`
	Error   json.RawMessage `json:"error"`
}

func (t *RemoteTool) Invoke(ctx context.Context, args map[string]interface{}, userID string) (*core.ToolResponse, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	body, err := json.Marshal(remoteRequest{Arguments: args, UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to tool %s failed: %w", t.info.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool %s response: %w", t.info.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(raw))
		if len(text) > errorBodyPreview {
			text = text[:errorBodyPreview] + "..."
		}
		return nil, fmt.Errorf("tool %s returned status %d %s: %s",
			t.info.Name, resp.StatusCode, http.StatusText(resp.StatusCode), text)
	}

	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode tool %s response: %w", t.info.Name, err)
	}
	if decoded.Success {
		return &core.ToolResponse{Success: true, Data: decoded.Data}, nil
	}
	return &core.ToolResponse{Success: false, Error: decodeToolError(decoded.Error)}, nil
}

// decodeToolError accepts a plain string or a structured error object.
func decodeToolError(raw json.RawMessage) *core.ToolError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &core.ToolError{Message: text}
	}
	var structured core.ToolError
	if err := json.Unmarshal(raw, &structured); err == nil && structured.Message != "" {
		return &structured
	}
	return &core.ToolError{Message: string(raw)}
}

// RegisterRemoteTools registers one RemoteTool per config entry.
func RegisterRemoteTools(r *Registry, cfgs []core.RemoteToolConfig) error {
	for _, cfg := range cfgs {
		tool, err := NewRemoteTool(cfg, nil)
		if err != nil {
			return fmt.Errorf("remote tool %q: %w", cfg.Name, err)
		}
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
