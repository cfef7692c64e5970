// Package httpapi exposes the Query APIs (§6) over HTTP: GetExecution,
// ListExecutions, DecideApproval, CancelExecution, GetRecoveryStatus,
// GetCircuitStates/ResetCircuit. Transport is deliberately thin — it
// marshals requests/responses and defers all decisions to the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/authz"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/queue"
	"github.com/trinity-platform/process-engine/internal/recovery"
)

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status        string
	DefinitionRef string
	Limit         int
	Offset        int
}

// Page is a generic paginated result.
type Page struct {
	Items []*execution.Execution
	Total int
}

// Engine is the narrow surface internal/engine implements that this
// package depends on, keeping the HTTP layer decoupled from engine wiring.
type Engine interface {
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) (Page, error)
	DecideApproval(ctx context.Context, approvalID string, approved bool, comments string, actor authz.Actor) (*execution.ApprovalTask, error)
	CancelExecution(ctx context.Context, id string, actor authz.Actor) error
	RecoveryStatus(ctx context.Context) (recovery.Summary, error)
	CircuitStates(ctx context.Context) map[string]queue.CircuitInfo
	ResetCircuit(ctx context.Context, agent string, actor authz.Actor) error
}

// Server wires Engine handlers onto a *mux.Router.
type Server struct {
	engine Engine
	router *mux.Router
}

// NewServer builds the router. ActorFromRequest resolves the Actor behind
// each request; identity resolution itself is out of scope (§1), so the
// caller supplies it.
func NewServer(engine Engine, actorFromRequest func(*http.Request) authz.Actor) *Server {
	s := &Server{engine: engine, router: mux.NewRouter()}
	s.routes(actorFromRequest)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes(actorFromRequest func(*http.Request) authz.Actor) {
	s.router.HandleFunc("/executions/{id}", s.getExecution).Methods(http.MethodGet)
	s.router.HandleFunc("/executions", s.listExecutions).Methods(http.MethodGet)
	s.router.HandleFunc("/executions/{id}/cancel", s.withActor(actorFromRequest, s.cancelExecution)).Methods(http.MethodPost)
	s.router.HandleFunc("/approvals/{id}/decide", s.withActor(actorFromRequest, s.decideApproval)).Methods(http.MethodPost)
	s.router.HandleFunc("/recovery/status", s.recoveryStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/circuits", s.circuitStates).Methods(http.MethodGet)
	s.router.HandleFunc("/circuits/{agent}/reset", s.withActor(actorFromRequest, s.resetCircuit)).Methods(http.MethodPost)
}

func (s *Server) withActor(actorFromRequest func(*http.Request) authz.Actor, h func(http.ResponseWriter, *http.Request, authz.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, actorFromRequest(r))
	}
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.engine.GetExecution(r.Context(), id)
	writeResult(w, exec, err)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ExecutionFilter{
		Status:        q.Get("status"),
		DefinitionRef: q.Get("definition_ref"),
	}
	page, err := s.engine.ListExecutions(r.Context(), filter)
	writeResult(w, page, err)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request, actor authz.Actor) {
	id := mux.Vars(r)["id"]
	err := s.engine.CancelExecution(r.Context(), id, actor)
	writeResult(w, struct{}{}, err)
}

type decideApprovalBody struct {
	Approved bool   `json:"approved"`
	Comments string `json:"comments"`
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, actor authz.Actor) {
	id := mux.Vars(r)["id"]
	var body decideApprovalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, nil, enginerr.Wrap(enginerr.KindInvalidDefinition, "invalid request body", err))
		return
	}
	task, err := s.engine.DecideApproval(r.Context(), id, body.Approved, body.Comments, actor)
	writeResult(w, task, err)
}

func (s *Server) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.RecoveryStatus(r.Context())
	writeResult(w, summary, err)
}

func (s *Server) circuitStates(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.CircuitStates(r.Context()), nil)
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request, actor authz.Actor) {
	agent := mux.Vars(r)["agent"]
	err := s.engine.ResetCircuit(r.Context(), agent, actor)
	writeResult(w, struct{}{}, err)
}

func writeResult(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := enginerr.KindOf(err)
	switch kind {
	case enginerr.KindInvalidDefinition:
		status = http.StatusBadRequest
	case enginerr.KindLimitExceeded:
		status = http.StatusTooManyRequests
	case "":
		status = http.StatusInternalServerError
	default:
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
