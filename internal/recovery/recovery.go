// Package recovery implements the startup recovery sweep (§4.7): age out
// stale executions, reset in-flight steps so the scheduler re-dispatches
// them, and resume awaiting steps whose deadline has already passed.
package recovery

import (
	"context"
	"time"

	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/audit"
	"github.com/trinity-platform/process-engine/internal/metrics"
)

// Action is one decision the sweep made about a single execution, reported
// via GetRecoveryStatus.
type Action string

const (
	ActionNone    Action = "none"
	ActionAgedOut Action = "aged_out"
	ActionReset   Action = "reset_running"
	ActionResumed Action = "resumed_awaiting"
)

// Summary reports what the last sweep did, per GetRecoveryStatus (§6).
type Summary struct {
	RanAt   time.Time
	Actions map[string]Action // execution id -> action
}

// Store is the minimal persistence seam the sweep needs: enumerate
// non-terminal executions and look up/replace their StepExecutions. The
// concrete store lives in internal/engine; recovery only depends on this
// narrow interface so it stays unit-testable without the full engine.
type Store interface {
	NonTerminalExecutions(ctx context.Context) ([]*execution.Execution, error)
	Save(ctx context.Context, exec *execution.Execution) error
}

// Sweeper runs the recovery sweep.
type Sweeper struct {
	Store          Store
	Audit          *audit.Bus
	MaxExecutionAge time.Duration
}

// New creates a Sweeper.
func New(store Store, auditBus *audit.Bus, maxAge time.Duration) *Sweeper {
	return &Sweeper{Store: store, Audit: auditBus, MaxExecutionAge: maxAge}
}

// Run scans every non-terminal execution and applies the §4.7 rules. It is
// idempotent: a second run leaves the persisted state unchanged, since
// age-out and reset only act on states the first pass already cleared, and
// awaiting steps are only flagged (reported again as resumed_awaiting),
// never modified.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Summary, error) {
	summary := Summary{RanAt: now, Actions: map[string]Action{}}

	execs, err := s.Store.NonTerminalExecutions(ctx)
	if err != nil {
		return summary, err
	}

	for _, exec := range execs {
		action := s.sweepOne(exec, now)
		summary.Actions[exec.ID] = action
		if action != ActionNone {
			metrics.RecoveryActions.WithLabelValues(string(action)).Inc()
			if err := s.Store.Save(ctx, exec); err != nil {
				return summary, err
			}
			s.emitRecoveryEvent(ctx, exec, action)
		}
	}
	return summary, nil
}

func (s *Sweeper) sweepOne(exec *execution.Execution, now time.Time) Action {
	if s.MaxExecutionAge > 0 && now.Sub(exec.StartedAt) > s.MaxExecutionAge {
		exec.Complete(execution.StatusTimedOut, now)
		return ActionAgedOut
	}

	action := ActionNone
	for stepID, attempts := range exec.Steps {
		if len(attempts) == 0 {
			continue
		}
		cur := attempts[len(attempts)-1]
		switch cur.Status {
		case execution.StepRunning:
			// The scheduler's ready-set computation treats any step with an
			// existing attempt record as already started, so a reset must
			// drop the stale attempt entirely rather than flip its status in
			// place — that's what makes the step dispatchable again.
			exec.Steps[stepID] = attempts[:len(attempts)-1]
			action = ActionReset
		case execution.StepAwaiting:
			// A step's persisted resumption trigger (approval deadline or
			// timer fire-at) is carried in the StepExecution's Awaiting info;
			// the scheduler checks it against "now" when the engine re-runs
			// it and resumes accordingly. Here we only flag that this execution has
			// resumable work so the caller re-invokes the scheduler for it.
			_ = stepID
			if action == ActionNone {
				action = ActionResumed
			}
		}
	}
	return action
}

func (s *Sweeper) emitRecoveryEvent(ctx context.Context, exec *execution.Execution, action Action) {
	if s.Audit == nil {
		return
	}
	ev := execution.NewExecutionEvent(exec.ID, execution.EventRecoveryAction, execution.PriorityNormal, "", time.Now(), map[string]any{
		"action": string(action),
	})
	_ = s.Audit.Log(ctx, ev)
}
