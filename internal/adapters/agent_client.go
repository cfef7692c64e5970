// Package adapters implements the default, deployable versions of the
// collaborator contracts declared in internal/collaborators: an HTTP-backed
// agent runtime client, a log-based notifier, and an in-memory approval
// store. Swap any of these out for a richer integration without touching
// the engine.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trinity-platform/process-engine/internal/collaborators"
)

// HTTPAgentClient calls an agent runtime over HTTP, following the
// timeout/base-URL client shape common across the service layer's
// service-to-service clients.
type HTTPAgentClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAgentClient builds a client bound to baseURL with a safety-net
// client-level timeout; per-request timeouts still come from the caller's
// context.
func NewHTTPAgentClient(baseURL string, requestTimeout time.Duration) *HTTPAgentClient {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &HTTPAgentClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type taskRequestBody struct {
	Agent        string   `json:"agent"`
	Message      string   `json:"message"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

type taskResponseBody struct {
	Response string   `json:"response"`
	Cost     *float64 `json:"cost,omitempty"`
	Error    string   `json:"error,omitempty"`
	Kind     string   `json:"kind,omitempty"`
}

// Task implements collaborators.AgentClient over HTTP POST /tasks.
func (c *HTTPAgentClient) Task(ctx context.Context, req collaborators.TaskRequest) (collaborators.TaskResponse, error) {
	body, err := json.Marshal(taskRequestBody{
		Agent:        req.Agent,
		Message:      req.Message,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorPermanent, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorPermanent, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.OriginHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorTimeout, Message: "agent request timed out"}
		}
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorTransient, Message: err.Error()}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out taskResponseBody
		if err := json.Unmarshal(raw, &out); err != nil {
			return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorPermanent, Message: "malformed agent response"}
		}
		return collaborators.TaskResponse{Response: out.Response, Duration: time.Since(start), Cost: out.Cost}, nil
	case http.StatusTooManyRequests:
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorBusy, Message: "agent at capacity"}
	case http.StatusServiceUnavailable:
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorCircuitOpen, Message: "agent runtime unavailable"}
	case http.StatusGatewayTimeout:
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorTimeout, Message: "agent runtime timed out"}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorPermanent, Message: fmt.Sprintf("agent rejected request: %s", string(raw))}
	default:
		return collaborators.TaskResponse{}, &collaborators.AgentError{Kind: collaborators.AgentErrorTransient, Message: fmt.Sprintf("unexpected agent status %d", resp.StatusCode)}
	}
}
