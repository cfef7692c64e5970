package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/audit"
	"github.com/trinity-platform/process-engine/internal/platformlog"
)

type fakeBackend struct {
	mu   sync.Mutex
	fail bool
	logs []*execution.ExecutionEvent
}

func (f *fakeBackend) Log(ctx context.Context, event *execution.ExecutionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("backend unavailable")
	}
	f.logs = append(f.logs, event)
	return nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func TestBus_CriticalEventSucceedsSynchronously(t *testing.T) {
	backend := &fakeBackend{}
	bus := audit.New(backend, platformlog.New("test", "info", "text"), filepath.Join(t.TempDir(), "fallback.jsonl"))

	event := execution.NewExecutionEvent("exec-1", execution.EventExecutionStarted, execution.PriorityCritical, "", time.Now(), nil)
	err := bus.Log(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.count())
}

func TestBus_CriticalEventExhaustsRetriesAndFallsBack(t *testing.T) {
	backend := &fakeBackend{fail: true}
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	bus := audit.New(backend, platformlog.New("test", "info", "text"), fallback)

	event := execution.NewExecutionEvent("exec-1", execution.EventExecutionStarted, execution.PriorityCritical, "", time.Now(), nil)
	err := bus.Log(context.Background(), event)
	require.Error(t, err, "a critical event that exhausts retries refuses the originating operation")

	data, readErr := os.ReadFile(fallback)
	require.NoError(t, readErr)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	assert.Equal(t, "exec-1", rec["execution_id"])
}

func TestBus_NormalEventIsFireAndForget(t *testing.T) {
	backend := &fakeBackend{}
	bus := audit.New(backend, platformlog.New("test", "info", "text"), filepath.Join(t.TempDir(), "fallback.jsonl"))

	event := execution.NewExecutionEvent("exec-1", execution.EventStepCompleted, execution.PriorityNormal, "a", time.Now(), nil)
	err := bus.Log(context.Background(), event)
	require.NoError(t, err, "normal events never return backend errors to the caller")

	deadline := time.Now().Add(time.Second)
	for backend.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, backend.count())
}

func TestFileBackend_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	backend, err := audit.NewFileBackend(path)
	require.NoError(t, err)

	e1 := execution.NewExecutionEvent("exec-1", execution.EventExecutionStarted, execution.PriorityNormal, "", time.Now(), nil)
	e2 := execution.NewExecutionEvent("exec-1", execution.EventExecutionCompleted, execution.PriorityNormal, "", time.Now(), nil)
	require.NoError(t, backend.Log(context.Background(), e1))
	require.NoError(t, backend.Log(context.Background(), e2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "execution_started", rec["type"])
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
