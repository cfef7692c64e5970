package triggers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/platformlog"
	"github.com/trinity-platform/process-engine/internal/triggers"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []triggers.ExecutionRequest
}

func (f *fakeStarter) StartExecution(ctx context.Context, req triggers.ExecutionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "exec-1", nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func TestStartManual_SetsOriginKind(t *testing.T) {
	starter := &fakeStarter{}
	ref := definition.Ref{Name: "p", Version: "1"}
	id, err := triggers.StartManual(context.Background(), starter, ref, map[string]any{"x": 1.0}, execution.Origin{})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
	require.Len(t, starter.reqs, 1)
	assert.Equal(t, execution.OriginManual, starter.reqs[0].Origin.Kind)
	assert.Equal(t, ref, starter.reqs[0].DefinitionRef)
}

func TestWebhookRegistry_RegisterRejectsDuplicateTriggerID(t *testing.T) {
	reg := triggers.NewWebhookRegistry()
	ref := definition.Ref{Name: "p", Version: "1"}
	require.NoError(t, reg.Register("hook-1", ref))

	err := reg.Register("hook-1", ref)
	require.Error(t, err)
	assert.True(t, enginerr.Is(err, enginerr.KindInvalidDefinition))
}

func TestFireWebhook_UnknownTriggerIDIsAnError(t *testing.T) {
	starter := &fakeStarter{}
	reg := triggers.NewWebhookRegistry()
	_, err := triggers.FireWebhook(context.Background(), starter, reg, "no-such-hook", nil, "127.0.0.1")
	require.Error(t, err)
	assert.True(t, enginerr.Is(err, enginerr.KindInvalidDefinition))
	assert.Equal(t, 0, starter.count())
}

func TestFireWebhook_ResolvesRegisteredTriggerAndStarts(t *testing.T) {
	starter := &fakeStarter{}
	reg := triggers.NewWebhookRegistry()
	ref := definition.Ref{Name: "p", Version: "2"}
	require.NoError(t, reg.Register("hook-1", ref))

	id, err := triggers.FireWebhook(context.Background(), starter, reg, "hook-1", map[string]any{"a": 1.0}, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
	require.Len(t, starter.reqs, 1)
	assert.Equal(t, execution.OriginWebhook, starter.reqs[0].Origin.Kind)
	assert.Equal(t, ref, starter.reqs[0].DefinitionRef)
}

func TestScheduleSource_RegistersValidScheduleAndStartStop(t *testing.T) {
	starter := &fakeStarter{}
	log := platformlog.New("test", "info", "text")
	src := triggers.NewScheduleSource(starter, log)

	ref := definition.Ref{Name: "p", Version: "1"}
	// robfig/cron's minute granularity makes waiting for an actual tick
	// too slow/flaky for a unit test; assert only that a well-formed
	// schedule registers and the source starts/stops cleanly.
	require.NoError(t, src.AddSchedule(ref, "sched-1", "* * * * *", "UTC", map[string]any{"x": 1.0}))
	src.Start()
	time.Sleep(10 * time.Millisecond)
	src.Stop()
}

func TestScheduleSource_InvalidTimezoneIsAnError(t *testing.T) {
	starter := &fakeStarter{}
	log := platformlog.New("test", "info", "text")
	src := triggers.NewScheduleSource(starter, log)

	err := src.AddSchedule(definition.Ref{Name: "p", Version: "1"}, "sched-1", "* * * * *", "Not/AZone", nil)
	require.Error(t, err)
	assert.True(t, enginerr.Is(err, enginerr.KindInvalidDefinition))
}
