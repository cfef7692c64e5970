package handlers

import (
	"context"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/retrypolicy"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// HandleNotification dispatches to every requested channel, retrying
// per-channel failures per the step's retry policy. It succeeds if at
// least one channel accepted the message.
func HandleNotification(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.Notification
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "notification step missing spec", nil)
	}

	message, err := expr.Interpolate(spec.Message, in.EvalCtx)
	if err != nil {
		return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve message", err)
	}
	recipients := make([]string, len(spec.Recipients))
	for i, r := range spec.Recipients {
		recipients[i], err = expr.Interpolate(r, in.EvalCtx)
		if err != nil {
			return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve recipient", err)
		}
	}

	channelResults := map[string]any{}
	anySent := false
	var lastErr error

	for _, channel := range spec.Channels {
		ch := channel
		result, _, attempts := retrypolicy.Run(ctx, in.Step.Retry, func(rctx context.Context, attempt int) (any, error) {
			statuses, sendErr := deps.Notifier.Send(rctx, ch, recipients, message)
			if sendErr != nil {
				return nil, enginerr.Wrap(enginerr.KindNotificationFailed, "notifier send failed", sendErr)
			}
			return statuses, nil
		})
		_ = attempts

		if result == nil {
			channelResults[ch] = map[string]any{"sent": false}
			lastErr = enginerr.New(enginerr.KindNotificationFailed, "channel "+ch+" failed after retries")
			continue
		}
		statuses, _ := result.([]collaborators.RecipientStatus)
		channelResults[ch] = map[string]any{"sent": true, "statuses": statuses}
		anySent = true
	}

	if !anySent {
		ee := enginerr.Wrap(enginerr.KindNotificationFailed, "no channel accepted the notification", lastErr)
		ee.StepID = in.Step.ID
		ee.Attempt = in.Attempt
		return StepResult{Status: execution.StepFailed, Output: map[string]any{"channels": channelResults}, Err: ee}
	}
	return StepResult{Status: execution.StepSucceeded, Output: map[string]any{"channels": channelResults}}
}
