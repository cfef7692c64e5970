package handlers

import (
	"context"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// HandleGateway evaluates conditions top-to-bottom; first true wins,
// otherwise the condition marked default, otherwise NoGatewayMatch.
func HandleGateway(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.Gateway
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "gateway step missing spec", nil)
	}

	var defaultNext string
	hasDefault := false
	for _, cond := range spec.Conditions {
		if cond.Default {
			defaultNext = cond.Next
			hasDefault = true
			continue
		}
		matched, err := expr.EvalCondition(cond.Expression, in.EvalCtx)
		if err != nil {
			return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to evaluate gateway condition", err)
		}
		if matched {
			return StepResult{Status: execution.StepSucceeded, Output: map[string]any{"chosen_next": cond.Next}}
		}
	}

	if hasDefault {
		return StepResult{Status: execution.StepSucceeded, Output: map[string]any{"chosen_next": defaultNext}}
	}
	return failResult(enginerr.KindNoGatewayMatch, in.Step.ID, in.Attempt, "no gateway condition matched and no default set", nil)
}
