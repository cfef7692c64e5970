// Package handlers implements the step-type handlers (§4.5): pure logic
// given the expression evaluator plus the external collaborators, sharing
// the common envelope (execution_id, step_id, EvalContext) -> StepResult.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/config"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/queue"
	"github.com/trinity-platform/process-engine/internal/retrypolicy"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// StepResult is what a handler returns to the scheduler. Status awaiting
// means the step has suspended; exactly one of Approval/FireAt/SubProcess
// then carries the resumption data the scheduler must persist.
type StepResult struct {
	Status execution.StepStatus
	Output any
	Err    *enginerr.EngineError

	Approval   *execution.ApprovalTask
	FireAt     *time.Time
	SubProcess *collaborators.SubProcessHandle
}

// Deps bundles every collaborator and shared engine service a handler may
// need. Handlers only ever reach external effects through these seams.
type Deps struct {
	Agents       *queue.Queue
	AgentClient  collaborators.AgentClient
	Approvals    collaborators.ApprovalStore
	Notifier     collaborators.Notifier
	SubProcesses collaborators.SubProcessRunner
	Timer        collaborators.Timer
	Config       *config.Config
}

// Input is the common envelope passed to every handler.
type Input struct {
	ExecutionID string
	Step        *definition.StepSpec
	EvalCtx     *expr.Context
	Attempt     int
	Origin      execution.Origin
}

// Handler is the uniform shape every step-type implementation satisfies.
type Handler func(ctx context.Context, in Input, deps *Deps) StepResult

// Dispatch returns the Handler for a step kind.
func Dispatch(kind definition.StepKind) (Handler, bool) {
	switch kind {
	case definition.StepAgentTask:
		return HandleAgentTask, true
	case definition.StepHumanApproval:
		return HandleHumanApproval, true
	case definition.StepGateway:
		return HandleGateway, true
	case definition.StepTimer:
		return HandleTimer, true
	case definition.StepNotification:
		return HandleNotification, true
	case definition.StepSubProcess:
		return HandleSubProcess, true
	default:
		return nil, false
	}
}

// IdempotencyKey derives the header the engine attaches to agent calls so
// agents can deduplicate at-least-once retries, per the design notes:
// derived from (execution_id, step_id, attempt).
func IdempotencyKey(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", executionID, stepID, attempt)
}

func failResult(kind enginerr.Kind, stepID string, attempt int, message string, err error) StepResult {
	ee := enginerr.Wrap(kind, message, err)
	ee.StepID = stepID
	ee.Attempt = attempt
	return StepResult{Status: execution.StepFailed, Err: ee}
}

func stepTimeout(step *definition.StepSpec, cfg *config.Config) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return cfg.DefaultStepTimeout()
}

// EnvelopeTimeout bounds a step handler's total wall-clock time across every
// internal retry attempt it may run, generous enough that a legitimately
// retrying agent_task or notification step never trips it before its own
// retry policy does.
func EnvelopeTimeout(step *definition.StepSpec, cfg *config.Config) time.Duration {
	base := stepTimeout(step, cfg)
	attempts := time.Duration(retrypolicy.MaxAttempts(step.Retry))
	return base*attempts + cfg.LeaseSlack()
}
