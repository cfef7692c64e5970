package handlers

import (
	"context"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// HandleSubProcess resolves input_mapping against the parent context and
// launches a child execution, suspending the step until the child
// terminates.
func HandleSubProcess(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.SubProcess
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "sub_process step missing spec", nil)
	}

	input := map[string]any{}
	for name, mapExpr := range spec.InputMapping {
		v, err := expr.Eval(mapExpr, in.EvalCtx)
		if err != nil {
			return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve input_mapping."+name, err)
		}
		input[name] = v
	}

	handle, err := deps.SubProcesses.Start(ctx,
		collaborators.ProcessRef{}, // parent ref is tracked by the caller, not the handler
		collaborators.ProcessRef{Name: spec.Process.Name, Version: spec.Process.Version},
		input, in.ExecutionID)
	if err != nil {
		if enginerr.Is(err, enginerr.KindSubProcessTooDeep) {
			return failResult(enginerr.KindSubProcessTooDeep, in.Step.ID, in.Attempt, "sub-process recursion depth exceeded", err)
		}
		return failResult(enginerr.KindTransient, in.Step.ID, in.Attempt, "failed to start sub-process", err)
	}

	return StepResult{Status: execution.StepAwaiting, SubProcess: &handle}
}

// ResumeSubProcess polls the child execution's terminal status and mirrors
// it onto the step.
func ResumeSubProcess(ctx context.Context, stepID string, attempt int, handle collaborators.SubProcessHandle, deps *Deps) StepResult {
	status, outputs, err := deps.SubProcesses.Await(ctx, handle)
	if err != nil {
		return failResult(enginerr.KindTransient, stepID, attempt, "failed to observe sub-process", err)
	}
	switch status {
	case string(execution.StatusSucceeded):
		return StepResult{Status: execution.StepSucceeded, Output: outputs}
	case string(execution.StatusRunning), string(execution.StatusPending):
		return StepResult{Status: execution.StepAwaiting, SubProcess: &handle}
	default:
		return StepResult{Status: execution.StepFailed, Output: outputs, Err: enginerr.ForStep(
			enginerr.New(enginerr.KindDependencyFailed, "sub-process terminated as "+status), stepID, attempt)}
	}
}
