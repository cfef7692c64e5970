package execution_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
)

func TestExecution_CompleteIsTerminalMonotonic(t *testing.T) {
	exec := execution.NewExecution(definition.Ref{Name: "p", Version: "1"}, execution.Origin{Kind: execution.OriginManual}, nil, time.Now())
	assert.Equal(t, execution.StatusPending, exec.Status)

	ok := exec.Complete(execution.StatusSucceeded, time.Now())
	assert.True(t, ok)
	assert.Equal(t, execution.StatusSucceeded, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	ok = exec.Complete(execution.StatusFailed, time.Now())
	assert.False(t, ok, "a second Complete call must not overwrite a terminal status")
	assert.Equal(t, execution.StatusSucceeded, exec.Status)
}

func TestExecution_CompleteRejectsNonTerminalStatus(t *testing.T) {
	exec := execution.NewExecution(definition.Ref{Name: "p", Version: "1"}, execution.Origin{Kind: execution.OriginManual}, nil, time.Now())
	ok := exec.Complete(execution.StatusRunning, time.Now())
	assert.False(t, ok)
	assert.Equal(t, execution.StatusPending, exec.Status)
}

func TestExecution_CurrentReturnsLatestAttempt(t *testing.T) {
	exec := execution.NewExecution(definition.Ref{Name: "p", Version: "1"}, execution.Origin{Kind: execution.OriginManual}, nil, time.Now())
	assert.Nil(t, exec.Current("missing"))

	first := execution.NewStepExecution(exec.ID, "a", 1, time.Now())
	second := execution.NewStepExecution(exec.ID, "a", 2, time.Now())
	exec.Steps["a"] = []*execution.StepExecution{first, second}

	assert.Same(t, second, exec.Current("a"))
}

func TestStepExecution_FinishIsTerminalMonotonic(t *testing.T) {
	start := time.Now()
	se := execution.NewStepExecution("exec-1", "a", 1, start)
	assert.Equal(t, execution.StepRunning, se.Status)

	end := start.Add(250 * time.Millisecond)
	ok := se.Finish(execution.StepSucceeded, end, "done", nil)
	assert.True(t, ok)
	assert.Equal(t, execution.StepSucceeded, se.Status)
	require := end.Sub(start).Milliseconds()
	assert.Equal(t, require, *se.DurationMS)

	ok = se.Finish(execution.StepFailed, end.Add(time.Second), nil, &execution.StepError{Kind: "x"})
	assert.False(t, ok, "a second Finish call must not overwrite a terminal status")
	assert.Equal(t, execution.StepSucceeded, se.Status)
}

func TestStepStatus_SatisfiesDependency(t *testing.T) {
	assert.True(t, execution.StepSucceeded.SatisfiesDependency())
	assert.True(t, execution.StepSkipped.SatisfiesDependency())
	assert.False(t, execution.StepFailed.SatisfiesDependency())
	assert.False(t, execution.StepRunning.SatisfiesDependency())
}

func TestApprovalTask_DecideIsOneShot(t *testing.T) {
	task := execution.NewApprovalTask("exec-1", "approve-step", "t", "d", []string{"alice"}, time.Now().Add(time.Hour))
	assert.Equal(t, execution.ApprovalPending, task.Status)

	ok := task.Decide(execution.ApprovalApproved, "alice", "looks good", time.Now())
	assert.True(t, ok)
	assert.Equal(t, execution.ApprovalApproved, task.Status)
	assert.Equal(t, "alice", task.DecidedBy)

	ok = task.Decide(execution.ApprovalRejected, "bob", "too late", time.Now())
	assert.False(t, ok, "a decided approval cannot be redecided")
	assert.Equal(t, execution.ApprovalApproved, task.Status)
}

func TestAwaitingInfo_PersistsOnStepExecution(t *testing.T) {
	se := execution.NewStepExecution("exec-1", "wait-step", 1, time.Now())
	fireAt := time.Now().Add(time.Minute)
	se.Status = execution.StepAwaiting
	se.Awaiting = &execution.AwaitingInfo{FireAt: &fireAt}

	assert.Equal(t, execution.StepAwaiting, se.Status)
	assert.NotNil(t, se.Awaiting)
	assert.Equal(t, fireAt, *se.Awaiting.FireAt)
}
