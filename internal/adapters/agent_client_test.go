package adapters_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/internal/adapters"
	"github.com/trinity-platform/process-engine/internal/collaborators"
)

func newServer(t *testing.T, status int, body any) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPAgentClient_SuccessParsesResponse(t *testing.T) {
	srv := newServer(t, http.StatusOK, map[string]any{"response": "done", "cost": 0.5})
	client := adapters.NewHTTPAgentClient(srv.URL, time.Second)

	resp, err := client.Task(context.Background(), collaborators.TaskRequest{Agent: "triage-bot", Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Response)
	require.NotNil(t, resp.Cost)
	assert.Equal(t, 0.5, *resp.Cost)
}

func TestHTTPAgentClient_TooManyRequestsMapsToBusy(t *testing.T) {
	srv := newServer(t, http.StatusTooManyRequests, nil)
	client := adapters.NewHTTPAgentClient(srv.URL, time.Second)

	_, err := client.Task(context.Background(), collaborators.TaskRequest{Agent: "bot"})
	require.Error(t, err)
	var agentErr *collaborators.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, collaborators.AgentErrorBusy, agentErr.Kind)
}

func TestHTTPAgentClient_ServiceUnavailableMapsToCircuitOpen(t *testing.T) {
	srv := newServer(t, http.StatusServiceUnavailable, nil)
	client := adapters.NewHTTPAgentClient(srv.URL, time.Second)

	_, err := client.Task(context.Background(), collaborators.TaskRequest{Agent: "bot"})
	require.Error(t, err)
	var agentErr *collaborators.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, collaborators.AgentErrorCircuitOpen, agentErr.Kind)
}

func TestHTTPAgentClient_BadRequestMapsToPermanent(t *testing.T) {
	srv := newServer(t, http.StatusBadRequest, nil)
	client := adapters.NewHTTPAgentClient(srv.URL, time.Second)

	_, err := client.Task(context.Background(), collaborators.TaskRequest{Agent: "bot"})
	require.Error(t, err)
	var agentErr *collaborators.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, collaborators.AgentErrorPermanent, agentErr.Kind)
}

func TestHTTPAgentClient_ContextCancellationMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	client := adapters.NewHTTPAgentClient(srv.URL, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Task(ctx, collaborators.TaskRequest{Agent: "bot"})
	require.Error(t, err)
	var agentErr *collaborators.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, collaborators.AgentErrorTimeout, agentErr.Kind)
}
