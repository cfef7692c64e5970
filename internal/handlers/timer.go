package handlers

import (
	"context"
	"time"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/enginerr"
)

// HandleTimer records a fire-at timestamp and suspends the step. The
// fire-at is persisted by the caller so resumption survives restarts.
func HandleTimer(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.Timer
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "timer step missing spec", nil)
	}
	fireAt := deps.Timer.Now().Add(spec.Duration)
	return StepResult{Status: execution.StepAwaiting, FireAt: &fireAt}
}

// ResumeTimer fires the timer exactly once its fire-at has passed, even
// across a simulated restart.
func ResumeTimer(fireAt time.Time, now time.Time) StepResult {
	if now.Before(fireAt) {
		return StepResult{Status: execution.StepAwaiting, FireAt: &fireAt}
	}
	return StepResult{Status: execution.StepSucceeded, Output: map[string]any{"fired_at": fireAt.Format(time.RFC3339)}}
}
