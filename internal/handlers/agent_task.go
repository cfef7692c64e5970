package handlers

import (
	"context"
	"encoding/json"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/retrypolicy"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// HandleAgentTask resolves message/model/allowed_tools, then submits the
// call to the agent's queue, retrying per the step's retry policy on
// AgentBusy, network errors, 5xx, or AgentTimeout (§4.5), the same way
// HandleNotification retries each channel send.
func HandleAgentTask(ctx context.Context, in Input, deps *Deps) StepResult {
	spec := in.Step.AgentTask
	if spec == nil {
		return failResult(enginerr.KindInvalidDefinition, in.Step.ID, in.Attempt, "agent_task step missing spec", nil)
	}

	message, err := expr.Interpolate(spec.Message, in.EvalCtx)
	if err != nil {
		return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve message", err)
	}
	model := spec.Model
	if model != "" {
		model, err = expr.Interpolate(model, in.EvalCtx)
		if err != nil {
			return failResult(enginerr.KindExpressionError, in.Step.ID, in.Attempt, "failed to resolve model", err)
		}
	}

	timeout := stepTimeout(in.Step, deps.Config)
	req := collaborators.TaskRequest{
		Agent:        spec.Agent,
		Message:      message,
		Model:        model,
		AllowedTools: spec.AllowedTools,
		Timeout:      timeout,
		OriginHeaders: originHeaders(in.Origin, IdempotencyKey(in.ExecutionID, in.Step.ID, in.Attempt)),
	}

	maxAttempts := retrypolicy.MaxAttempts(in.Step.Retry)
	raw, err, lastAttempt := retrypolicy.Run(ctx, in.Step.Retry, func(rctx context.Context, _ int) (any, error) {
		callCtx, cancel := context.WithTimeout(rctx, timeout+deps.Config.LeaseSlack())
		defer cancel()

		resp, submitErr := deps.Agents.Submit(callCtx, spec.Agent, func(taskCtx context.Context) (any, error) {
			out, taskErr := deps.AgentClient.Task(taskCtx, req)
			if taskErr != nil {
				return nil, classifyAgentError(taskErr)
			}
			return out, nil
		})
		if submitErr != nil {
			if callCtx.Err() != nil && enginerr.KindOf(submitErr) == "" {
				return nil, enginerr.Wrap(enginerr.KindAgentTimeout, "agent call exceeded lease deadline", submitErr)
			}
			return nil, submitErr
		}
		return resp, nil
	})
	if err != nil {
		ee := asEngineError(err, in.Step.ID, in.Attempt)
		// ctx itself (not just the per-attempt lease) was cancelled before the
		// retry policy ran its course: this attempt didn't really get its full
		// budget, so the scheduler may give it one more try under a live ctx.
		if ctx.Err() != nil && lastAttempt < maxAttempts {
			ee.Aborted = true
		}
		return StepResult{Status: execution.StepFailed, Err: ee}
	}

	resp := raw.(collaborators.TaskResponse)
	output := parseAgentOutput(resp.Response)
	return StepResult{Status: execution.StepSucceeded, Output: output}
}

func originHeaders(origin execution.Origin, idempotencyKey string) map[string]string {
	h := map[string]string{"Idempotency-Key": idempotencyKey}
	if origin.UserID != "" {
		h["X-Trinity-User-Id"] = origin.UserID
	}
	if origin.SourceAgent != "" {
		h["X-Trinity-Source-Agent"] = origin.SourceAgent
	}
	if origin.MCPKeyID != "" {
		h["X-Trinity-MCP-Key-Id"] = origin.MCPKeyID
	}
	return h
}

// parseAgentOutput builds an agent_task step's output (§4.5 agent_task): a
// response that parses as JSON is returned as the decoded value, so
// steps.<id>.output.<field> paths reach directly into it; any other
// response is returned as the raw string.
func parseAgentOutput(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return raw
	}
	return parsed
}

func classifyAgentError(err error) error {
	ae, ok := err.(*collaborators.AgentError)
	if !ok {
		return enginerr.Wrap(enginerr.KindTransient, "agent call failed", err)
	}
	switch ae.Kind {
	case collaborators.AgentErrorBusy:
		return enginerr.Wrap(enginerr.KindAgentBusy, ae.Message, err)
	case collaborators.AgentErrorCircuitOpen:
		return enginerr.Wrap(enginerr.KindCircuitOpen, ae.Message, err)
	case collaborators.AgentErrorTimeout:
		return enginerr.Wrap(enginerr.KindAgentTimeout, ae.Message, err)
	case collaborators.AgentErrorPermanent:
		return enginerr.Wrap(enginerr.KindPermanent, ae.Message, err)
	default:
		return enginerr.Wrap(enginerr.KindTransient, ae.Message, err)
	}
}

func asEngineError(err error, stepID string, attempt int) *enginerr.EngineError {
	if ee, ok := enginerr.As(err); ok {
		return enginerr.ForStep(ee, stepID, attempt)
	}
	ee := enginerr.Wrap(enginerr.KindTransient, "step failed", err)
	ee.StepID = stepID
	ee.Attempt = attempt
	return ee
}
