package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/authz"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/httpapi"
	"github.com/trinity-platform/process-engine/internal/queue"
	"github.com/trinity-platform/process-engine/internal/recovery"
)

type fakeEngine struct {
	exec       *execution.Execution
	getErr     error
	decideErr  error
	cancelErr  error
	resetErr   error
}

func (f *fakeEngine) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.exec, nil
}

func (f *fakeEngine) ListExecutions(ctx context.Context, filter httpapi.ExecutionFilter) (httpapi.Page, error) {
	if f.exec == nil {
		return httpapi.Page{}, nil
	}
	return httpapi.Page{Items: []*execution.Execution{f.exec}, Total: 1}, nil
}

func (f *fakeEngine) DecideApproval(ctx context.Context, approvalID string, approved bool, comments string, actor authz.Actor) (*execution.ApprovalTask, error) {
	return nil, f.decideErr
}

func (f *fakeEngine) CancelExecution(ctx context.Context, id string, actor authz.Actor) error {
	return f.cancelErr
}

func (f *fakeEngine) RecoveryStatus(ctx context.Context) (recovery.Summary, error) {
	return recovery.Summary{Actions: map[string]recovery.Action{"exec-1": recovery.ActionReset}}, nil
}

func (f *fakeEngine) CircuitStates(ctx context.Context) map[string]queue.CircuitInfo {
	return map[string]queue.CircuitInfo{"bot": {State: "closed"}}
}

func (f *fakeEngine) ResetCircuit(ctx context.Context, agent string, actor authz.Actor) error {
	return f.resetErr
}

func newTestExecution() *execution.Execution {
	return execution.NewExecution(definition.Ref{Name: "p", Version: "1"}, execution.Origin{Kind: execution.OriginManual}, nil, time.Now())
}

func actorFromRequest(r *http.Request) authz.Actor {
	return authz.Actor{ID: "tester", Roles: []authz.Role{authz.RoleAdmin}}
}

func TestServer_GetExecution(t *testing.T) {
	exec := newTestExecution()
	srv := httpapi.NewServer(&fakeEngine{exec: exec}, actorFromRequest)

	req := httptest.NewRequest(http.MethodGet, "/executions/"+exec.ID, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got execution.Execution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, exec.ID, got.ID)
}

func TestServer_GetExecutionNotFoundMapsToBadRequest(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{getErr: enginerr.New(enginerr.KindInvalidDefinition, "unknown execution")}, actorFromRequest)

	req := httptest.NewRequest(http.MethodGet, "/executions/nope", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListExecutions(t *testing.T) {
	exec := newTestExecution()
	srv := httpapi.NewServer(&fakeEngine{exec: exec}, actorFromRequest)

	req := httptest.NewRequest(http.MethodGet, "/executions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var page httpapi.Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 1, page.Total)
}

func TestServer_CancelExecution(t *testing.T) {
	exec := newTestExecution()
	srv := httpapi.NewServer(&fakeEngine{exec: exec}, actorFromRequest)

	req := httptest.NewRequest(http.MethodPost, "/executions/"+exec.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_DecideApproval_InvalidBodyMapsToBadRequest(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{}, actorFromRequest)

	req := httptest.NewRequest(http.MethodPost, "/approvals/appr-1/decide", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DecideApproval_ValidBody(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{}, actorFromRequest)

	req := httptest.NewRequest(http.MethodPost, "/approvals/appr-1/decide", strings.NewReader(`{"approved":true,"comments":"lgtm"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoveryStatus(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{}, actorFromRequest)

	req := httptest.NewRequest(http.MethodGet, "/recovery/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary recovery.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, recovery.ActionReset, summary.Actions["exec-1"])
}

func TestServer_CircuitStatesAndReset(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{}, actorFromRequest)

	req := httptest.NewRequest(http.MethodGet, "/circuits", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/circuits/bot/reset", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_LimitExceededMapsToTooManyRequests(t *testing.T) {
	srv := httpapi.NewServer(&fakeEngine{cancelErr: enginerr.New(enginerr.KindLimitExceeded, "too many")}, actorFromRequest)

	req := httptest.NewRequest(http.MethodPost, "/executions/exec-1/cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
