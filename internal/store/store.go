// Package store implements the per-execution variable/output store: a
// keyed, append-only-within-an-execution record of inputs, trigger data,
// and step outputs/statuses, backing the expression evaluator's Context.
package store

import (
	"sync"
	"time"

	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// Store owns one execution's variable/output data. Writes are
// writer-serialized: §5 "the execution's output/variable store is
// writer-serialized by the scheduler (a step's output is written exactly
// once on transition to succeeded)". The mutex here is defense in depth for
// callers that don't already serialize through the scheduler, such as
// concurrent read access from the query API.
type Store struct {
	mu      sync.RWMutex
	ctx     *expr.Context
	maxSize int
	written map[string]bool
}

// New creates a Store seeded with the execution's input and trigger data.
// maxOutputBytes enforces output_variable_max_bytes (§6); zero disables the
// check.
func New(input, trigger map[string]any, maxOutputBytes int) *Store {
	return &Store{
		ctx:     expr.NewContext(input, trigger),
		maxSize: maxOutputBytes,
		written: map[string]bool{},
	}
}

// Context returns the underlying expression Context for evaluation. Callers
// must not mutate it directly; use SetStepOutput.
func (s *Store) Context() *expr.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// SetStepOutput records a step's terminal output and status exactly once.
// A second call for the same step id is rejected with InvalidDefinition-
// class programmer error, enforcing "written exactly once on transition to
// succeeded".
func (s *Store) SetStepOutput(stepID, status string, output any, startedAt, completedAt *time.Time, duration *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written[stepID] {
		return enginerr.New(enginerr.KindInvalidDefinition, "step output already written: "+stepID)
	}
	if s.maxSize > 0 {
		if sz := approxSize(output); sz > s.maxSize {
			return enginerr.ForStep(enginerr.New(enginerr.KindLimitExceeded, "step output exceeds output_variable_max_bytes"), stepID, 0)
		}
	}
	s.ctx.SetStep(stepID, status, output, startedAt, completedAt, duration)
	s.written[stepID] = true
	return nil
}

// approxSize estimates the serialized size of a step output for the
// output_variable_max_bytes check without a full JSON round-trip on the hot
// path; strings and byte-ish values are measured directly, everything else
// falls back to a generous structural estimate.
func approxSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case []byte:
		return len(t)
	case map[string]any:
		n := 0
		for k, val := range t {
			n += len(k) + approxSize(val)
		}
		return n
	case []any:
		n := 0
		for _, val := range t {
			n += approxSize(val)
		}
		return n
	default:
		return 64
	}
}
