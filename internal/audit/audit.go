// Package audit implements the audit collaborator contract: Log(event,
// priority) with critical events synchronous-with-retry against a backend,
// falling back to a local append-only file on failure, and normal events
// fired and forgotten.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/platformlog"
)

// Backend is the external audit log storage the engine writes events to.
// Out of scope per the purpose/scope section; the engine only consumes it.
type Backend interface {
	Log(ctx context.Context, event *execution.ExecutionEvent) error
}

// Bus dispatches ExecutionEvents to a Backend, with the critical/normal
// split from §6.
type Bus struct {
	backend  Backend
	log      *platformlog.Logger
	fallback string

	mu         sync.Mutex
	fallbackFh *os.File
}

// New creates a Bus. fallbackPath is the local append-only file used when a
// critical event's backend write exhausts its retries.
func New(backend Backend, log *platformlog.Logger, fallbackPath string) *Bus {
	return &Bus{backend: backend, log: log, fallback: fallbackPath}
}

// Log dispatches event per its priority. Critical events are written
// synchronously with retry; on exhaustion they are appended to the local
// fallback file and the call still returns an error so the originating
// user-facing operation can refuse per §6 ("refuses the originating
// user-facing operation for critical events"). Normal events are
// fire-and-forget: failures are logged but never returned to the caller.
func (b *Bus) Log(ctx context.Context, event *execution.ExecutionEvent) error {
	switch event.Priority {
	case execution.PriorityCritical:
		return b.logCritical(ctx, event)
	default:
		go b.logNormal(event)
		return nil
	}
}

func (b *Bus) logCritical(ctx context.Context, event *execution.ExecutionEvent) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(func() error {
		return b.backend.Log(ctx, event)
	}, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}

	if fbErr := b.writeFallback(event); fbErr != nil {
		b.log.WithContext(ctx).WithError(fbErr).Error("audit fallback write failed")
	}
	return enginerr.Wrap(enginerr.KindTransient, "critical audit event rejected by backend", err)
}

func (b *Bus) logNormal(event *execution.ExecutionEvent) {
	ctx := context.Background()
	if err := b.backend.Log(ctx, event); err != nil {
		b.log.WithContext(ctx).WithError(err).Warn("normal audit event dropped")
		_ = b.writeFallback(event)
	}
}

func (b *Bus) writeFallback(event *execution.ExecutionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fallbackFh == nil {
		fh, err := os.OpenFile(b.fallback, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		b.fallbackFh = fh
	}

	line, err := json.Marshal(fallbackRecord{
		ID:          event.ID,
		ExecutionID: event.ExecutionID,
		Type:        string(event.Type),
		Priority:    string(event.Priority),
		StepID:      event.StepID,
		At:          event.At,
		Data:        event.Data,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = b.fallbackFh.Write(line)
	return err
}

type fallbackRecord struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority"`
	StepID      string         `json:"step_id,omitempty"`
	At          time.Time      `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}
