package handlers

import (
	"context"
	"time"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// HandleHumanApproval creates an ApprovalTask with deadline = now + timeout
// and suspends the step. Resolution happens out of band via ResumeApproval.
func HandleHumanApproval(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.HumanApproval
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "human_approval step missing spec", nil)
	}

	title, err := expr.Interpolate(spec.Title, in.EvalCtx)
	if err != nil {
		return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve title", err)
	}
	description, err := expr.Interpolate(spec.Description, in.EvalCtx)
	if err != nil {
		return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve description", err)
	}

	timeout := stepTimeout(in.Step, deps.Config)
	deadline := deps.Timer.Now().Add(timeout)
	task := execution.NewApprovalTask(in.ExecutionID, in.Step.ID, title, description, spec.Approvers, deadline)

	if err := deps.Approvals.NotifyApprovers(ctx, task.ID, spec.Approvers, title, description, deadline); err != nil {
		return failResult(enginerr.KindTransient, in.Step.ID, in.Attempt, "failed to notify approvers", err)
	}

	return StepResult{Status: execution.StepAwaiting, Approval: task}
}

// ResumeApproval resolves an awaiting human_approval step once a decision
// arrives or the deadline passes. On expiry, timeout_action decides the
// outcome: skip -> step skipped, approve/reject -> a synthesized decision.
func ResumeApproval(step *definition.StepSpec, task *execution.ApprovalTask, now time.Time) StepResult {
	if task.Status == execution.ApprovalPending {
		if now.Before(task.Deadline) {
			return StepResult{Status: execution.StepAwaiting, Approval: task}
		}
		return resumeExpired(step, task, now)
	}

	switch task.Status {
	case execution.ApprovalApproved:
		return StepResult{Status: execution.StepSucceeded, Output: decisionOutput("approved", task)}
	case execution.ApprovalRejected:
		return StepResult{Status: execution.StepSucceeded, Output: decisionOutput("rejected", task)}
	default:
		return StepResult{Status: execution.StepCancelled}
	}
}

func resumeExpired(step *definition.StepSpec, task *execution.ApprovalTask, now time.Time) StepResult {
	task.Decide(execution.ApprovalExpired, "", "deadline reached", now)
	switch step.HumanApproval.TimeoutAction {
	case definition.TimeoutActionSkip:
		return StepResult{Status: execution.StepSkipped}
	case definition.TimeoutActionApprove:
		return StepResult{Status: execution.StepSucceeded, Output: decisionOutput("approved", task)}
	case definition.TimeoutActionReject:
		return StepResult{Status: execution.StepSucceeded, Output: decisionOutput("rejected", task)}
	default:
		return StepResult{Status: execution.StepSkipped}
	}
}

func decisionOutput(decision string, task *execution.ApprovalTask) map[string]any {
	out := map[string]any{"decision": decision}
	if task.DecidedBy != "" {
		out["approved_by"] = task.DecidedBy
	}
	if task.Comments != "" {
		out["comments"] = task.Comments
	}
	if task.DecidedAt != nil {
		out["decided_at"] = task.DecidedAt.Format(time.RFC3339)
	}
	return out
}
