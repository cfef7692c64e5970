package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/recovery"
)

type fakeStore struct {
	execs []*execution.Execution
	saved map[string]bool
}

func (f *fakeStore) NonTerminalExecutions(ctx context.Context) ([]*execution.Execution, error) {
	return f.execs, nil
}

func (f *fakeStore) Save(ctx context.Context, exec *execution.Execution) error {
	if f.saved == nil {
		f.saved = map[string]bool{}
	}
	f.saved[exec.ID] = true
	return nil
}

func newExec(startedAt time.Time) *execution.Execution {
	return execution.NewExecution(definition.Ref{Name: "p", Version: "1"}, execution.Origin{Kind: execution.OriginManual}, nil, startedAt)
}

func TestSweeper_AgesOutStaleExecutions(t *testing.T) {
	exec := newExec(time.Now().Add(-48 * time.Hour))
	exec.Status = execution.StatusRunning
	st := &fakeStore{execs: []*execution.Execution{exec}}

	sweeper := recovery.New(st, nil, 24*time.Hour)
	summary, err := sweeper.Run(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, recovery.ActionAgedOut, summary.Actions[exec.ID])
	assert.Equal(t, execution.StatusTimedOut, exec.Status)
	assert.True(t, st.saved[exec.ID])
}

func TestSweeper_ResetsRunningStepsSoSchedulerCanRedispatch(t *testing.T) {
	exec := newExec(time.Now())
	exec.Status = execution.StatusRunning
	running := execution.NewStepExecution(exec.ID, "a", 1, time.Now())
	exec.Steps["a"] = []*execution.StepExecution{running}
	st := &fakeStore{execs: []*execution.Execution{exec}}

	sweeper := recovery.New(st, nil, 24*time.Hour)
	summary, err := sweeper.Run(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, recovery.ActionReset, summary.Actions[exec.ID])
	assert.Empty(t, exec.Steps["a"], "the stale attempt is dropped entirely so the step looks never-started to the scheduler's ready-set computation")
}

func TestSweeper_FlagsAwaitingStepsAsResumable(t *testing.T) {
	exec := newExec(time.Now())
	exec.Status = execution.StatusRunning
	awaiting := execution.NewStepExecution(exec.ID, "a", 1, time.Now())
	awaiting.Status = execution.StepAwaiting
	fireAt := time.Now().Add(-time.Minute)
	awaiting.Awaiting = &execution.AwaitingInfo{FireAt: &fireAt}
	exec.Steps["a"] = []*execution.StepExecution{awaiting}
	st := &fakeStore{execs: []*execution.Execution{exec}}

	sweeper := recovery.New(st, nil, 24*time.Hour)
	summary, err := sweeper.Run(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, recovery.ActionResumed, summary.Actions[exec.ID])
	assert.Equal(t, execution.StepAwaiting, exec.Steps["a"][0].Status, "recovery only flags resumable work; the scheduler performs the actual resumption")
}

func TestSweeper_IdempotentOnSecondRun(t *testing.T) {
	exec := newExec(time.Now())
	exec.Status = execution.StatusRunning
	running := execution.NewStepExecution(exec.ID, "a", 1, time.Now())
	exec.Steps["a"] = []*execution.StepExecution{running}
	st := &fakeStore{execs: []*execution.Execution{exec}}

	sweeper := recovery.New(st, nil, 24*time.Hour)
	_, err := sweeper.Run(context.Background(), time.Now())
	require.NoError(t, err)

	summary, err := sweeper.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, recovery.ActionNone, summary.Actions[exec.ID], "nothing left to reset on a second pass")
}
