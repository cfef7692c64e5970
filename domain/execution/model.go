// Package execution implements the execution state machine: Execution,
// StepExecution, ApprovalTask and ExecutionEvent, plus the terminal-status
// and ownership invariants from the data model.
package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/trinity-platform/process-engine/domain/definition"
)

// Status is the lifecycle status of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether status is a write-once terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle status of a StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepAwaiting  StepStatus = "awaiting"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether status is write-once for a StepExecution.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether this status satisfies a downstream
// depends_on/join requirement under the default all-succeeded-or-skipped
// policy (§4.4).
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepSucceeded || s == StepSkipped
}

// OriginKind identifies what caused an Execution to start.
type OriginKind string

const (
	OriginManual   OriginKind = "manual"
	OriginWebhook  OriginKind = "webhook"
	OriginSchedule OriginKind = "schedule"
	OriginAgent    OriginKind = "agent"
)

// Origin is the audit-grade actor attribution on an Execution.
type Origin struct {
	Kind        OriginKind
	UserID      string
	UserEmail   string
	SourceAgent string
	MCPKeyID    string
	MCPKeyName  string
}

// Execution is one run of a ProcessDefinition.
type Execution struct {
	ID                string
	DefinitionRef     definition.Ref
	Status            Status
	Origin            Origin
	Input             map[string]any
	StartedAt         time.Time
	CompletedAt       *time.Time
	ParentExecutionID string

	// Outputs holds the resolved §4.6 output capture, populated when the
	// execution reaches a terminal status. Partial (best-effort) entries
	// are stored even on failed executions.
	Outputs map[string]any

	// Steps is the arena: StepExecution history indexed by step id, per
	// the "arena-style ownership with integer ids" design note. Each
	// slice holds every attempt's StepExecution in attempt order; the
	// current one is the last element.
	Steps map[string][]*StepExecution
}

// NewExecution creates a pending Execution with a fresh ULID id.
func NewExecution(ref definition.Ref, origin Origin, input map[string]any, startedAt time.Time) *Execution {
	return &Execution{
		ID:            ulid.Make().String(),
		DefinitionRef: ref,
		Status:        StatusPending,
		Origin:        origin,
		Input:         input,
		StartedAt:     startedAt,
		Outputs:       map[string]any{},
		Steps:         map[string][]*StepExecution{},
	}
}

// Complete transitions the Execution to a terminal status. It is a no-op
// (besides returning false) if the Execution is already terminal, enforcing
// terminal monotonicity.
func (e *Execution) Complete(status Status, at time.Time) bool {
	if e.Status.Terminal() {
		return false
	}
	if !status.Terminal() {
		return false
	}
	e.Status = status
	e.CompletedAt = &at
	return true
}

// Current returns the most recent StepExecution attempt for stepID, or nil.
func (e *Execution) Current(stepID string) *StepExecution {
	attempts := e.Steps[stepID]
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1]
}

// StepExecution is one attempt-history record for a step within an
// execution.
type StepExecution struct {
	ExecutionID string
	StepID      string
	Status      StepStatus
	Attempt     int
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  *int64
	Output      any
	Error       *StepError

	// Awaiting carries the suspension payload while Status is StepAwaiting,
	// so the engine can resume the step across ticks and restarts.
	Awaiting *AwaitingInfo
}

// AwaitingInfo is the resumption data a suspended step needs: exactly one
// of its fields is populated, matching the step kind that suspended.
type AwaitingInfo struct {
	Approval         *ApprovalTask
	FireAt           *time.Time
	SubProcessHandle string
}

// StepError is the user-visible failure attached to a StepExecution, per
// §7: "kind, a short explanation, the step id at fault, the attempt number".
type StepError struct {
	Kind    string
	Message string
	StepID  string
	Attempt int

	// Aborted marks a retriable failure cut short by context cancellation
	// before its retry policy was exhausted, leaving the step eligible for
	// another top-level attempt (see scheduler.computeReadySet).
	Aborted bool
}

// NewStepExecution starts a fresh attempt record in the running state.
func NewStepExecution(executionID, stepID string, attempt int, at time.Time) *StepExecution {
	return &StepExecution{
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      StepRunning,
		Attempt:     attempt,
		StartedAt:   &at,
	}
}

// Finish transitions the StepExecution to a terminal status, recording
// duration and output/error. A no-op if already terminal.
func (s *StepExecution) Finish(status StepStatus, at time.Time, output any, stepErr *StepError) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = status
	s.CompletedAt = &at
	s.Output = output
	s.Error = stepErr
	if s.StartedAt != nil {
		ms := at.Sub(*s.StartedAt).Milliseconds()
		s.DurationMS = &ms
	}
	return true
}

// ApprovalStatus is the lifecycle status of an ApprovalTask.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ApprovalTask is a human_approval step's suspension record, owned by its
// StepExecution.
type ApprovalTask struct {
	ID          string
	ExecutionID string
	StepID      string
	Title       string
	Description string
	Approvers   []string
	Deadline    time.Time
	Status      ApprovalStatus
	DecidedBy   string
	Comments    string
	DecidedAt   *time.Time
}

// NewApprovalTask creates a pending ApprovalTask with a fresh UUID id.
func NewApprovalTask(executionID, stepID, title, description string, approvers []string, deadline time.Time) *ApprovalTask {
	return &ApprovalTask{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Title:       title,
		Description: description,
		Approvers:   approvers,
		Deadline:    deadline,
		Status:      ApprovalPending,
	}
}

// Decide resolves the ApprovalTask. A no-op if already resolved.
func (a *ApprovalTask) Decide(status ApprovalStatus, decidedBy, comments string, at time.Time) bool {
	if a.Status != ApprovalPending {
		return false
	}
	a.Status = status
	a.DecidedBy = decidedBy
	a.Comments = comments
	a.DecidedAt = &at
	return true
}

// EventType enumerates the ExecutionEvent stream's event kinds.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventStepReady          EventType = "step_ready"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
	EventApprovalCreated    EventType = "approval_created"
	EventApprovalDecided    EventType = "approval_decided"
	EventRecoveryAction     EventType = "recovery_action"
)

// EventPriority classifies delivery semantics for the audit collaborator.
type EventPriority string

const (
	PriorityCritical EventPriority = "critical"
	PriorityNormal   EventPriority = "normal"
)

// ExecutionEvent is one entry in the append-only per-execution event
// stream.
type ExecutionEvent struct {
	ID          string
	ExecutionID string
	Type        EventType
	Priority    EventPriority
	StepID      string
	At          time.Time
	Data        map[string]any
}

// NewExecutionEvent creates an ExecutionEvent with a fresh UUID id.
func NewExecutionEvent(executionID string, typ EventType, priority EventPriority, stepID string, at time.Time, data map[string]any) *ExecutionEvent {
	return &ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        typ,
		Priority:    priority,
		StepID:      stepID,
		At:          at,
		Data:        data,
	}
}
