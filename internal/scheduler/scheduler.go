// Package scheduler implements the core scheduler (§4.4): ready-set
// computation, condition skipping, gateway reachability, join semantics,
// and terminal status derivation, one instance owning a single execution.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/audit"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/config"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/handlers"
	"github.com/trinity-platform/process-engine/internal/metrics"
	"github.com/trinity-platform/process-engine/internal/store"
	"github.com/trinity-platform/process-engine/pkg/expr"
)

// Scheduler drives one Execution to completion against its ProcessDefinition.
type Scheduler struct {
	Def    *definition.ProcessDefinition
	Deps   *handlers.Deps
	Store  *store.Store
	Audit  *audit.Bus
	Config *config.Config

	graph *depGraph
}

// New creates a Scheduler bound to a single ProcessDefinition.
func New(def *definition.ProcessDefinition, deps *handlers.Deps, st *store.Store, auditBus *audit.Bus, cfg *config.Config) *Scheduler {
	def.BuildIndex()
	return &Scheduler{Def: def, Deps: deps, Store: st, Audit: auditBus, Config: cfg, graph: buildGraph(def)}
}

// Run drives exec forward until it either reaches a terminal status or
// every remaining branch is suspended awaiting an external event (approval
// decision, timer fire, sub-process completion). Callers re-invoke Run
// after resuming a suspended step.
func (s *Scheduler) Run(ctx context.Context, exec *execution.Execution) error {
	if exec.Status == execution.StatusPending {
		exec.Status = execution.StatusRunning
		s.emit(ctx, exec, execution.EventExecutionStarted, execution.PriorityNormal, "", nil)
	}

	for {
		if exec.Status.Terminal() {
			return nil
		}

		progressed, err := s.tick(ctx, exec)
		if err != nil {
			return err
		}
		if !progressed {
			break
		}
	}

	s.maybeFinalize(ctx, exec)
	return nil
}

// tick skips unreachable/condition-false steps, dispatches the ready set
// concurrently, and applies completions. It returns whether any step state
// changed.
func (s *Scheduler) tick(ctx context.Context, exec *execution.Execution) (bool, error) {
	resumed := s.resumeAwaiting(ctx, exec)

	ready, progressed := s.computeReadySet(ctx, exec)
	if len(ready) == 0 {
		return resumed || progressed, nil
	}

	var wg sync.WaitGroup
	results := make([]stepOutcome, len(ready))
	for i, step := range ready {
		i, step := i, step
		attempt := len(exec.Steps[step.ID]) + 1
		se := execution.NewStepExecution(exec.ID, step.ID, attempt, time.Now())
		exec.Steps[step.ID] = append(exec.Steps[step.ID], se)
		s.emit(ctx, exec, execution.EventStepStarted, execution.PriorityNormal, step.ID, nil)

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.dispatch(ctx, exec, step, attempt)
			results[i] = stepOutcome{step: step, se: se, result: res}
		}()
	}
	wg.Wait()

	for _, outcome := range results {
		s.applyOutcome(ctx, exec, outcome)
	}
	return true, nil
}

type stepOutcome struct {
	step   *definition.StepSpec
	se     *execution.StepExecution
	result handlers.StepResult
}

// dispatch invokes step's handler under an envelope timeout that bounds the
// handler's entire wall-clock time, including every internal retry it may
// run (§7 "handler envelope"). A handler that is still running when the
// envelope expires produces a KindStepTimeout failure rather than blocking
// the tick forever; this is distinct from agent_task's own lease-deadline
// timeout (KindAgentTimeout), which bounds a single underlying call.
func (s *Scheduler) dispatch(ctx context.Context, exec *execution.Execution, step *definition.StepSpec, attempt int) handlers.StepResult {
	handler, ok := handlers.Dispatch(step.Kind)
	if !ok {
		return handlers.StepResult{Status: execution.StepFailed}
	}
	in := handlers.Input{
		ExecutionID: exec.ID,
		Step:        step,
		EvalCtx:     s.Store.Context(),
		Attempt:     attempt,
		Origin:      exec.Origin,
	}

	envelopeCtx, cancel := context.WithTimeout(ctx, handlers.EnvelopeTimeout(step, s.Config))
	defer cancel()

	start := time.Now()
	done := make(chan handlers.StepResult, 1)
	go func() { done <- handler(envelopeCtx, in, s.Deps) }()

	var res handlers.StepResult
	select {
	case res = <-done:
	case <-envelopeCtx.Done():
		res = handlers.StepResult{Status: execution.StepFailed, Err: enginerr.ForStep(
			enginerr.New(enginerr.KindStepTimeout, "step handler exceeded its envelope timeout"), step.ID, attempt)}
	}
	metrics.StepDuration.WithLabelValues(string(step.Kind)).Observe(time.Since(start).Seconds())
	return res
}

func (s *Scheduler) applyOutcome(ctx context.Context, exec *execution.Execution, o stepOutcome) {
	now := time.Now()
	metrics.StepOutcomes.WithLabelValues(string(o.step.Kind), string(o.result.Status)).Inc()

	switch o.result.Status {
	case execution.StepAwaiting:
		o.se.Status = execution.StepAwaiting
		info := &execution.AwaitingInfo{FireAt: o.result.FireAt, Approval: o.result.Approval}
		if o.result.SubProcess != nil {
			info.SubProcessHandle = o.result.SubProcess.ChildExecutionID
		}
		o.se.Awaiting = info
		if o.result.Approval != nil {
			s.emit(ctx, exec, execution.EventApprovalCreated, execution.PriorityNormal, o.step.ID, map[string]any{"approval_id": o.result.Approval.ID})
		}
		return
	case execution.StepSucceeded, execution.StepFailed, execution.StepSkipped, execution.StepCancelled:
		var errMsg *execution.StepError
		if o.result.Err != nil {
			errMsg = &execution.StepError{
				Kind:    string(o.result.Err.Kind),
				Message: o.result.Err.Message,
				StepID:  o.result.Err.StepID,
				Attempt: o.result.Err.Attempt,
				Aborted: o.result.Err.Aborted,
			}
		}
		o.se.Finish(o.result.Status, now, o.result.Output, errMsg)
		if o.result.Status == execution.StepSucceeded {
			_ = s.Store.SetStepOutput(o.step.ID, string(o.result.Status), o.result.Output, o.se.StartedAt, o.se.CompletedAt, durationPtr(o.se))
		}
		s.emitCompletion(ctx, exec, o.step.ID, o.result.Status)
	}
}

func durationPtr(se *execution.StepExecution) *time.Duration {
	if se.DurationMS == nil {
		return nil
	}
	d := time.Duration(*se.DurationMS) * time.Millisecond
	return &d
}

func (s *Scheduler) emitCompletion(ctx context.Context, exec *execution.Execution, stepID string, status execution.StepStatus) {
	typ := execution.EventStepCompleted
	switch status {
	case execution.StepFailed:
		typ = execution.EventStepFailed
	case execution.StepSkipped:
		typ = execution.EventStepSkipped
	}
	s.emit(ctx, exec, typ, execution.PriorityNormal, stepID, nil)
}

// resumeAwaiting checks every currently-awaiting step for a resumption
// condition (an approval decided or expired, a timer fire-at passed, a
// sub-process terminated) and applies the outcome in place. It returns
// whether any step changed state.
func (s *Scheduler) resumeAwaiting(ctx context.Context, exec *execution.Execution) bool {
	progressed := false
	now := s.Deps.Timer.Now()

	for stepID, attempts := range exec.Steps {
		if len(attempts) == 0 {
			continue
		}
		se := attempts[len(attempts)-1]
		if se.Status != execution.StepAwaiting || se.Awaiting == nil {
			continue
		}
		step, ok := s.Def.StepByID(stepID)
		if !ok {
			continue
		}

		var res handlers.StepResult
		switch step.Kind {
		case definition.StepHumanApproval:
			if se.Awaiting.Approval == nil {
				continue
			}
			res = handlers.ResumeApproval(step, se.Awaiting.Approval, now)
		case definition.StepTimer:
			if se.Awaiting.FireAt == nil {
				continue
			}
			res = handlers.ResumeTimer(*se.Awaiting.FireAt, now)
		case definition.StepSubProcess:
			if se.Awaiting.SubProcessHandle == "" {
				continue
			}
			res = handlers.ResumeSubProcess(ctx, stepID, se.Attempt,
				collaborators.SubProcessHandle{ChildExecutionID: se.Awaiting.SubProcessHandle}, s.Deps)
		default:
			continue
		}

		if res.Status == execution.StepAwaiting {
			continue
		}
		s.applyOutcome(ctx, exec, stepOutcome{step: step, se: se, result: res})
		progressed = true
	}
	return progressed
}

// computeReadySet marks condition-false and unreachable steps as skipped
// in place, then returns the stable-ordered set of steps ready to dispatch
// this tick. The bool return reports whether any skip occurred (progress
// even with an empty ready set).
func (s *Scheduler) computeReadySet(ctx context.Context, exec *execution.Execution) ([]*definition.StepSpec, bool) {
	var ready []*definition.StepSpec
	progressed := false

	for i := range s.Def.Steps {
		step := &s.Def.Steps[i]
		attempts := exec.Steps[step.ID]
		if len(attempts) > 0 && !s.resumableFailure(ctx, attempts[len(attempts)-1]) {
			continue // already started (running, awaiting, or terminal) and not eligible for another attempt
		}

		depsStatus, depsReady := s.dependenciesStatus(exec, step)
		if !depsReady {
			continue
		}
		if depsStatus == execution.StepFailed {
			s.failJoin(ctx, exec, step)
			progressed = true
			continue
		}

		if !s.isReachable(exec, step.ID) {
			s.skipStep(ctx, exec, step, time.Now())
			progressed = true
			continue
		}

		if step.Condition != "" {
			ok, err := expr.EvalCondition(step.Condition, s.Store.Context())
			if err != nil || !ok {
				s.skipStep(ctx, exec, step, time.Now())
				progressed = true
				continue
			}
		}

		ready = append(ready, step)
	}
	return ready, progressed || len(ready) > 0
}

// resumableFailure reports whether last (a step's most recent, terminal
// attempt) is eligible for a fresh attempt this tick. Ordinary exhausted or
// non-retriable failures are permanent, matching §7's "attempt number"
// contract. The one exception mirrors recovery.go's stale-attempt handling:
// a retriable failure whose retry loop was aborted by context cancellation
// before it ever exhausted its policy (Aborted) gets one more attempt,
// provided the current context is still live — a cancelled ctx never
// re-enqueues, so this can't spin in a tight loop waiting on a dead context.
func (s *Scheduler) resumableFailure(ctx context.Context, last *execution.StepExecution) bool {
	if ctx.Err() != nil {
		return false
	}
	if last.Status != execution.StepFailed || last.Error == nil {
		return false
	}
	return last.Error.Aborted && enginerr.Kind(last.Error.Kind).Retriable()
}

// dependenciesStatus reports whether all of step's dependencies are
// terminal, and if any of them failed (which fails the join per default
// policy).
func (s *Scheduler) dependenciesStatus(exec *execution.Execution, step *definition.StepSpec) (execution.StepStatus, bool) {
	for _, dep := range step.DependsOn {
		se := exec.Current(dep)
		if se == nil || !se.Status.Terminal() {
			return "", false
		}
		if se.Status == execution.StepFailed || se.Status == execution.StepCancelled {
			return execution.StepFailed, true
		}
	}
	return execution.StepSucceeded, true
}

func (s *Scheduler) failJoin(ctx context.Context, exec *execution.Execution, step *definition.StepSpec) {
	attempt := len(exec.Steps[step.ID]) + 1
	se := execution.NewStepExecution(exec.ID, step.ID, attempt, time.Now())
	se.Finish(execution.StepFailed, time.Now(), nil, &execution.StepError{
		Kind:    "DependencyFailed",
		Message: "a dependency of this step failed or was cancelled",
		StepID:  step.ID,
		Attempt: attempt,
	})
	exec.Steps[step.ID] = append(exec.Steps[step.ID], se)
	s.emitCompletion(ctx, exec, step.ID, execution.StepFailed)
}

func (s *Scheduler) skipStep(ctx context.Context, exec *execution.Execution, step *definition.StepSpec, now time.Time) {
	attempt := len(exec.Steps[step.ID]) + 1
	se := execution.NewStepExecution(exec.ID, step.ID, attempt, now)
	se.Finish(execution.StepSkipped, now, nil, nil)
	exec.Steps[step.ID] = append(exec.Steps[step.ID], se)
	_ = s.Store.SetStepOutput(step.ID, string(execution.StepSkipped), nil, se.StartedAt, se.CompletedAt, nil)
	s.emitCompletion(ctx, exec, step.ID, execution.StepSkipped)
}

// isReachable reports whether step can still be reached given every
// already-decided gateway in its ancestry. A gateway ancestor that hasn't
// completed yet does not block reachability (undecided, not unreachable).
func (s *Scheduler) isReachable(exec *execution.Execution, stepID string) bool {
	for ancestor := range s.graph.ancestors(stepID) {
		def, ok := s.Def.StepByID(ancestor)
		if !ok || def.Kind != definition.StepGateway {
			continue
		}
		se := exec.Current(ancestor)
		if se == nil || se.Status != execution.StepSucceeded {
			continue // undecided: don't prune
		}
		out, _ := se.Output.(map[string]any)
		chosen, _ := out["chosen_next"].(string)
		if chosen == "" {
			continue
		}
		if !s.reachableFromChosen(exec, chosen, stepID, map[string]bool{}) {
			return false
		}
	}
	return true
}

// reachableFromChosen walks forward from "from" looking for "target",
// following a decided gateway only through its chosen next and an
// undecided gateway through every next (optimistic, since its decision
// might still open a path).
func (s *Scheduler) reachableFromChosen(exec *execution.Execution, from, target string, visited map[string]bool) bool {
	if from == target {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true

	for _, next := range s.graph.forward[from] {
		nextDef, ok := s.Def.StepByID(next)
		if ok && nextDef.Kind == definition.StepGateway {
			se := exec.Current(next)
			if se != nil && se.Status == execution.StepSucceeded {
				out, _ := se.Output.(map[string]any)
				chosen, _ := out["chosen_next"].(string)
				if chosen != "" {
					if s.reachableFromChosen(exec, chosen, target, visited) {
						return true
					}
					continue
				}
			}
		}
		if s.reachableFromChosen(exec, next, target, visited) {
			return true
		}
	}
	return false
}

// maybeFinalize derives the execution-level terminal status per §7: any
// step that ends failed without a gateway diverting the failure terminates
// the execution as failed; otherwise succeeded once nothing remains
// runnable or awaiting.
func (s *Scheduler) maybeFinalize(ctx context.Context, exec *execution.Execution) {
	anyAwaiting := false
	anyFailed := false
	anyIncomplete := false

	for i := range s.Def.Steps {
		step := &s.Def.Steps[i]
		se := exec.Current(step.ID)
		if se == nil {
			if s.isReachable(exec, step.ID) {
				anyIncomplete = true
			}
			continue
		}
		switch se.Status {
		case execution.StepAwaiting, execution.StepRunning:
			anyAwaiting = true
		case execution.StepFailed:
			anyFailed = true
		}
	}

	if anyAwaiting || anyIncomplete {
		return
	}

	now := time.Now()
	s.resolveOutputs(exec)
	if anyFailed {
		if exec.Complete(execution.StatusFailed, now) {
			metrics.ExecutionOutcomes.WithLabelValues(string(execution.StatusFailed)).Inc()
			s.emit(ctx, exec, execution.EventExecutionFailed, execution.PriorityCritical, "", nil)
		}
		return
	}
	if exec.Complete(execution.StatusSucceeded, now) {
		metrics.ExecutionOutcomes.WithLabelValues(string(execution.StatusSucceeded)).Inc()
		s.emit(ctx, exec, execution.EventExecutionCompleted, execution.PriorityNormal, "", nil)
	}
}

// resolveOutputs implements §4.6: each outputs entry is resolved against
// the final context and stored on the Execution, best-effort — a failing
// entry is simply omitted rather than failing the whole capture, so
// partial outputs are still available on a failed execution.
func (s *Scheduler) resolveOutputs(exec *execution.Execution) {
	ctx := s.Store.Context()
	for _, out := range s.Def.Outputs {
		v, err := expr.Eval(out.Source, ctx)
		if err != nil {
			continue
		}
		exec.Outputs[out.Name] = v
	}
}

func (s *Scheduler) emit(ctx context.Context, exec *execution.Execution, typ execution.EventType, priority execution.EventPriority, stepID string, data map[string]any) {
	if s.Audit == nil {
		return
	}
	ev := execution.NewExecutionEvent(exec.ID, typ, priority, stepID, time.Now(), data)
	_ = s.Audit.Log(ctx, ev)
}
