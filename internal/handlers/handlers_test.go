package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/handlers"
	"github.com/trinity-platform/process-engine/internal/store"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

func evalCtx() *expr.Context { return store.New(nil, nil, 0).Context() }

func TestHandleGateway_NoMatchNoDefaultFails(t *testing.T) {
	step := &definition.StepSpec{
		ID:   "route",
		Kind: definition.StepGateway,
		Gateway: &definition.GatewaySpec{
			Conditions: []definition.GatewayCondition{
				{Expression: "input.score >= 80", Next: "high"},
			},
		},
	}
	in := handlers.Input{ExecutionID: "e1", Step: step, EvalCtx: evalCtx(), Attempt: 1}

	result := handlers.HandleGateway(context.Background(), in, &handlers.Deps{})
	assert.Equal(t, execution.StepFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, "NoGatewayMatch", string(result.Err.Kind))
}

func TestHandleGateway_DefaultWinsWhenNothingMatches(t *testing.T) {
	step := &definition.StepSpec{
		ID:   "route",
		Kind: definition.StepGateway,
		Gateway: &definition.GatewaySpec{
			Conditions: []definition.GatewayCondition{
				{Expression: "input.score >= 80", Next: "high"},
				{Next: "low", Default: true},
			},
		},
	}
	in := handlers.Input{ExecutionID: "e1", Step: step, EvalCtx: evalCtx(), Attempt: 1}

	result := handlers.HandleGateway(context.Background(), in, &handlers.Deps{})
	assert.Equal(t, execution.StepSucceeded, result.Status)
	out, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "low", out["chosen_next"])
}

type fakeSubProcessRunner struct {
	handle      collaborators.SubProcessHandle
	startErr    error
	awaitStatus string
	awaitOut    map[string]any
	awaitErr    error
}

func (f *fakeSubProcessRunner) Start(ctx context.Context, parent, child collaborators.ProcessRef, input map[string]any, parentExecID string) (collaborators.SubProcessHandle, error) {
	if f.startErr != nil {
		return collaborators.SubProcessHandle{}, f.startErr
	}
	return f.handle, nil
}

func (f *fakeSubProcessRunner) Await(ctx context.Context, handle collaborators.SubProcessHandle) (string, map[string]any, error) {
	return f.awaitStatus, f.awaitOut, f.awaitErr
}

func TestHandleSubProcess_StartsChildAndSuspends(t *testing.T) {
	runner := &fakeSubProcessRunner{handle: collaborators.SubProcessHandle{ChildExecutionID: "child-1"}}
	step := &definition.StepSpec{
		ID:   "launch",
		Kind: definition.StepSubProcess,
		SubProcess: &definition.SubProcessSpec{
			Process: definition.SubProcessTarget{Name: "child", Version: "1"},
		},
	}
	in := handlers.Input{ExecutionID: "parent-1", Step: step, EvalCtx: evalCtx(), Attempt: 1}
	deps := &handlers.Deps{SubProcesses: runner}

	result := handlers.HandleSubProcess(context.Background(), in, deps)
	assert.Equal(t, execution.StepAwaiting, result.Status)
	require.NotNil(t, result.SubProcess)
	assert.Equal(t, "child-1", result.SubProcess.ChildExecutionID)
}

func TestHandleSubProcess_DepthExceededFails(t *testing.T) {
	runner := &fakeSubProcessRunner{startErr: enginerr.New(enginerr.KindSubProcessTooDeep, "too deep")}
	step := &definition.StepSpec{
		ID:   "launch",
		Kind: definition.StepSubProcess,
		SubProcess: &definition.SubProcessSpec{
			Process: definition.SubProcessTarget{Name: "child", Version: "1"},
		},
	}
	in := handlers.Input{ExecutionID: "parent-1", Step: step, EvalCtx: evalCtx(), Attempt: 1}
	deps := &handlers.Deps{SubProcesses: runner}

	result := handlers.HandleSubProcess(context.Background(), in, deps)
	assert.Equal(t, execution.StepFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, "SubProcessTooDeep", string(result.Err.Kind))
}

func TestResumeSubProcess_SucceededChildResolvesOutputs(t *testing.T) {
	deps := &handlers.Deps{SubProcesses: &fakeSubProcessRunner{
		awaitStatus: string(execution.StatusSucceeded),
		awaitOut:    map[string]any{"result": "ok"},
	}}
	result := handlers.ResumeSubProcess(context.Background(), "launch", 1, collaborators.SubProcessHandle{ChildExecutionID: "child-1"}, deps)
	assert.Equal(t, execution.StepSucceeded, result.Status)
	out, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", out["result"])
}

func TestResumeSubProcess_RunningChildStaysAwaiting(t *testing.T) {
	deps := &handlers.Deps{SubProcesses: &fakeSubProcessRunner{awaitStatus: string(execution.StatusRunning)}}
	result := handlers.ResumeSubProcess(context.Background(), "launch", 1, collaborators.SubProcessHandle{ChildExecutionID: "child-1"}, deps)
	assert.Equal(t, execution.StepAwaiting, result.Status)
}

func TestResumeSubProcess_FailedChildPropagatesDependencyFailed(t *testing.T) {
	deps := &handlers.Deps{SubProcesses: &fakeSubProcessRunner{awaitStatus: string(execution.StatusFailed)}}
	result := handlers.ResumeSubProcess(context.Background(), "launch", 1, collaborators.SubProcessHandle{ChildExecutionID: "child-1"}, deps)
	assert.Equal(t, execution.StepFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, "DependencyFailed", string(result.Err.Kind))
}
