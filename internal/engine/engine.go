// Package engine wires every component into the top-level service: the
// definition registry, execution store, scheduler, queue, audit bus,
// authorization/limits, recovery sweeper, and the collaborator contracts
// each execution's scheduler is built against.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/domain/execution"
	"github.com/trinity-platform/process-engine/internal/audit"
	"github.com/trinity-platform/process-engine/internal/authz"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/config"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/handlers"
	"github.com/trinity-platform/process-engine/internal/httpapi"
	"github.com/trinity-platform/process-engine/internal/platformlog"
	"github.com/trinity-platform/process-engine/internal/queue"
	"github.com/trinity-platform/process-engine/internal/recovery"
	"github.com/trinity-platform/process-engine/internal/scheduler"
	"github.com/trinity-platform/process-engine/internal/store"
	"github.com/trinity-platform/process-engine/internal/triggers"
)

// run bundles everything a single execution's scheduler needs beyond the
// definition, kept alive for the execution's lifetime.
type run struct {
	def       *definition.ProcessDefinition
	exec      *execution.Execution
	store     *store.Store
	scheduler *scheduler.Scheduler
	depth     int // sub_process recursion depth, 0 for top-level
}

// Engine is the process engine's top-level service, analogous to a
// teacher-style Service struct wiring every collaborator together.
type Engine struct {
	Config *config.Config
	Log    *platformlog.Logger
	Audit  *audit.Bus
	Queue  *queue.Queue
	Limits *authz.Limiter

	agentClient  collaborators.AgentClient
	approvals    collaborators.ApprovalStore
	notifier     collaborators.Notifier
	timer        collaborators.Timer

	mu           sync.RWMutex
	definitions  map[definition.Ref]*definition.ProcessDefinition
	runs         map[string]*run
	approvalIdx  map[string]approvalLocation // approval id -> execution/step
	lastRecovery recovery.Summary
}

type approvalLocation struct {
	executionID string
	stepID      string
}

// Collaborators bundles the external adapters the engine is constructed
// with; the default implementations live in internal/adapters.
type Collaborators struct {
	AgentClient collaborators.AgentClient
	Approvals   collaborators.ApprovalStore
	Notifier    collaborators.Notifier
	Timer       collaborators.Timer
}

// New builds an Engine from config and its collaborator adapters. A nil
// Timer defaults to the real wall clock.
func New(cfg *config.Config, log *platformlog.Logger, auditBus *audit.Bus, c Collaborators) *Engine {
	if c.Timer == nil {
		c.Timer = collaborators.SystemTimer{}
	}
	e := &Engine{
		Config:      cfg,
		Log:         log,
		Audit:       auditBus,
		Queue: queue.New(queue.Settings{
			MaxQueueLen:      cfg.AgentQueueMax,
			FailureThreshold: uint32(cfg.CircuitFailureThreshold),
			CooldownSeconds:  float64(cfg.CircuitCooldownSeconds),
		}),
		Limits:      authz.NewLimiter(cfg.MaxGlobalExecutions, cfg.MaxPerProcessExecutions),
		agentClient: c.AgentClient,
		approvals:   c.Approvals,
		notifier:    c.Notifier,
		timer:       c.Timer,
		definitions: map[definition.Ref]*definition.ProcessDefinition{},
		runs:        map[string]*run{},
		approvalIdx: map[string]approvalLocation{},
	}
	if e.approvals != nil {
		e.approvals.OnDecision(e.onApprovalDecision)
	}
	return e
}

// RegisterDefinition validates and publishes a ProcessDefinition, making it
// addressable by {name, version} for triggers and sub_process targets.
func (e *Engine) RegisterDefinition(def *definition.ProcessDefinition) error {
	v := definition.NewValidator(func(ref definition.Ref) (*definition.ProcessDefinition, bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		d, ok := e.definitions[ref]
		return d, ok
	})
	if err := v.Validate(def); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[definition.Ref{Name: def.Name, Version: def.Version}] = def
	return nil
}

func (e *Engine) deps() *handlers.Deps {
	return &handlers.Deps{
		Agents:       e.Queue,
		AgentClient:  e.agentClient,
		Approvals:    e.approvals,
		Notifier:     e.notifier,
		SubProcesses: e,
		Timer:        e.timer,
		Config:       e.Config,
	}
}

// StartExecution implements triggers.Starter and the manual StartExecution
// query API.
func (e *Engine) StartExecution(ctx context.Context, req triggers.ExecutionRequest) (string, error) {
	return e.startExecution(ctx, req, "", 0)
}

func (e *Engine) startExecution(ctx context.Context, req triggers.ExecutionRequest, parentExecutionID string, depth int) (string, error) {
	e.mu.RLock()
	def, ok := e.definitions[req.DefinitionRef]
	e.mu.RUnlock()
	if !ok {
		return "", enginerr.New(enginerr.KindInvalidDefinition, "unknown process definition "+req.DefinitionRef.Name)
	}

	if err := e.Limits.TryAcquire(req.DefinitionRef, def.Config); err != nil {
		return "", err
	}

	now := time.Now()
	exec := execution.NewExecution(req.DefinitionRef, req.Origin, req.Input, now)
	exec.ParentExecutionID = parentExecutionID

	st := store.New(req.Input, triggerData(req), e.Config.OutputVariableMaxBytes)
	sched := scheduler.New(def, e.deps(), st, e.Audit, e.Config)

	e.mu.Lock()
	e.runs[exec.ID] = &run{def: def, exec: exec, store: st, scheduler: sched, depth: depth}
	e.mu.Unlock()

	if err := sched.Run(ctx, exec); err != nil {
		e.Limits.Release(req.DefinitionRef)
		return exec.ID, err
	}
	e.indexApprovals(exec)
	if exec.Status.Terminal() {
		e.Limits.Release(req.DefinitionRef)
	}
	return exec.ID, nil
}

// indexApprovals records every currently-awaiting approval step's task id
// so a later DecideApproval call can find its execution/step without a
// linear scan.
func (e *Engine) indexApprovals(exec *execution.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for stepID, attempts := range exec.Steps {
		if len(attempts) == 0 {
			continue
		}
		se := attempts[len(attempts)-1]
		if se.Status == execution.StepAwaiting && se.Awaiting != nil && se.Awaiting.Approval != nil {
			e.approvalIdx[se.Awaiting.Approval.ID] = approvalLocation{executionID: exec.ID, stepID: stepID}
		}
	}
}

func triggerData(req triggers.ExecutionRequest) map[string]any {
	return map[string]any{"kind": string(req.Origin.Kind)}
}

// GetExecution implements the query API of the same name.
func (e *Engine) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, enginerr.New(enginerr.KindInvalidDefinition, "unknown execution "+id)
	}
	return r.exec, nil
}

// ListExecutions implements the query API of the same name.
func (e *Engine) ListExecutions(ctx context.Context, filter httpapi.ExecutionFilter) (httpapi.Page, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var items []*execution.Execution
	for _, r := range e.runs {
		if filter.Status != "" && string(r.exec.Status) != filter.Status {
			continue
		}
		if filter.DefinitionRef != "" && r.exec.DefinitionRef.Name != filter.DefinitionRef {
			continue
		}
		items = append(items, r.exec)
	}
	return httpapi.Page{Items: items, Total: len(items)}, nil
}

// CancelExecution implements the query API of the same name: awaiting
// steps are cancelled immediately, and every other non-terminal step,
// whatever its kind, is marked cancelled after the cancellation grace
// period unless it reaches a terminal status first. Running handlers are
// not signalled and no cancel is sent to the agent runtime. The execution
// is marked cancelled and its concurrency slot released at once.
func (e *Engine) CancelExecution(ctx context.Context, id string, actor authz.Actor) error {
	if err := authz.Authorize(actor, authz.OpCancelExecution); err != nil {
		return err
	}
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return enginerr.New(enginerr.KindInvalidDefinition, "unknown execution "+id)
	}

	now := time.Now()
	for stepID, attempts := range r.exec.Steps {
		if len(attempts) == 0 {
			continue
		}
		cur := attempts[len(attempts)-1]
		if cur.Status.Terminal() {
			continue
		}
		if cur.Status == execution.StepAwaiting {
			cur.Finish(execution.StepCancelled, now, nil, nil)
			continue
		}
		go e.cancelRunningStep(stepID, cur)
	}
	r.exec.Complete(execution.StatusCancelled, now)
	e.Limits.Release(r.exec.DefinitionRef)
	return nil
}

func (e *Engine) cancelRunningStep(stepID string, se *execution.StepExecution) {
	time.Sleep(e.Config.CancellationGrace())
	if !se.Status.Terminal() {
		se.Finish(execution.StepCancelled, time.Now(), nil, nil)
	}
}

// DecideApproval implements the query API of the same name.
func (e *Engine) DecideApproval(ctx context.Context, approvalID string, approved bool, comments string, actor authz.Actor) (*execution.ApprovalTask, error) {
	if err := authz.Authorize(actor, authz.OpDecideApproval); err != nil {
		return nil, err
	}
	e.onApprovalDecision(collaborators.ApprovalDecision{
		ApprovalID: approvalID,
		Approved:   approved,
		DecidedBy:  actor.ID,
		Comments:   comments,
		At:         time.Now(),
	})
	return nil, nil
}

// onApprovalDecision resolves the ApprovalTask the engine owns (the
// collaborator adapter only delivers the decision, per §6's "the engine
// remains authoritative over state and deadlines") and re-drives the
// execution's scheduler so the step can proceed.
func (e *Engine) onApprovalDecision(d collaborators.ApprovalDecision) {
	e.mu.RLock()
	loc, ok := e.approvalIdx[d.ApprovalID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.RLock()
	r := e.runs[loc.executionID]
	e.mu.RUnlock()
	if r == nil {
		return
	}
	se := r.exec.Current(loc.stepID)
	if se == nil || se.Awaiting == nil || se.Awaiting.Approval == nil {
		return
	}
	status := execution.ApprovalRejected
	if d.Approved {
		status = execution.ApprovalApproved
	}
	se.Awaiting.Approval.Decide(status, d.DecidedBy, d.Comments, d.At)

	go func() {
		_ = r.scheduler.Run(context.Background(), r.exec)
		e.indexApprovals(r.exec)
		if r.exec.Status.Terminal() {
			e.Limits.Release(r.exec.DefinitionRef)
		}
	}()
}

// RecoveryStatus implements the query API of the same name.
func (e *Engine) RecoveryStatus(ctx context.Context) (recovery.Summary, error) {
	return e.lastRecovery, nil
}

// CircuitStates implements the query API of the same name.
func (e *Engine) CircuitStates(ctx context.Context) map[string]queue.CircuitInfo {
	return e.Queue.States()
}

// ResetCircuit implements the query API of the same name.
func (e *Engine) ResetCircuit(ctx context.Context, agent string, actor authz.Actor) error {
	if err := authz.Authorize(actor, authz.OpResetCircuit); err != nil {
		return err
	}
	e.Queue.Reset(agent)
	return nil
}

// NonTerminalExecutions implements recovery.Store.
func (e *Engine) NonTerminalExecutions(ctx context.Context) ([]*execution.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*execution.Execution
	for _, r := range e.runs {
		if !r.exec.Status.Terminal() {
			out = append(out, r.exec)
		}
	}
	return out, nil
}

// Save implements recovery.Store: in this in-memory engine, the execution
// object is already the canonical copy, so Save is a no-op observation
// point kept for interface symmetry with a real persistence-backed store.
func (e *Engine) Save(ctx context.Context, exec *execution.Execution) error { return nil }

// PollAwaiting re-drives every non-terminal execution's scheduler, the way
// onApprovalDecision re-drives a single execution after a decision arrives.
// It exists because a step that is only timer-awaiting (no concurrent
// approval in the same execution) has no other event to wake it once its
// fire_at passes; callers invoke this on a ticker so "the scheduler... wakes
// on external events (decision, timer tick)" holds for timers too.
func (e *Engine) PollAwaiting(ctx context.Context) {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		if !r.exec.Status.Terminal() {
			runs = append(runs, r)
		}
	}
	e.mu.RUnlock()

	for _, r := range runs {
		_ = r.scheduler.Run(ctx, r.exec)
		e.indexApprovals(r.exec)
		if r.exec.Status.Terminal() {
			e.Limits.Release(r.exec.DefinitionRef)
		}
	}
}

// Start implements collaborators.SubProcessRunner: sub_process steps launch
// a genuine child execution through the same startExecution path as any
// other trigger, with its own scheduler instance, only tracking the parent
// for recursion-depth enforcement (§4.5 sub_process_max_depth).
func (e *Engine) Start(ctx context.Context, ref, childRef collaborators.ProcessRef, input map[string]any, parentExecutionID string) (collaborators.SubProcessHandle, error) {
	e.mu.RLock()
	parent, ok := e.runs[parentExecutionID]
	e.mu.RUnlock()
	depth := 0
	if ok {
		depth = parent.depth + 1
	}
	if depth > e.Config.SubProcessMaxDepth {
		return collaborators.SubProcessHandle{}, enginerr.New(enginerr.KindSubProcessTooDeep, "sub-process recursion depth exceeded")
	}

	childExecID, err := e.startExecution(ctx, triggers.ExecutionRequest{
		DefinitionRef: definition.Ref{Name: childRef.Name, Version: childRef.Version},
		Input:         input,
		Origin:        execution.Origin{Kind: execution.OriginAgent, SourceAgent: parentExecutionID},
	}, parentExecutionID, depth)
	if err != nil {
		return collaborators.SubProcessHandle{}, err
	}
	return collaborators.SubProcessHandle{ChildExecutionID: childExecID}, nil
}

// Await implements collaborators.SubProcessRunner: it reports the child
// execution's current status and outputs without blocking, since the
// calling step handler is re-invoked on the next scheduler tick until the
// child reaches a terminal status.
func (e *Engine) Await(ctx context.Context, handle collaborators.SubProcessHandle) (string, map[string]any, error) {
	e.mu.RLock()
	r, ok := e.runs[handle.ChildExecutionID]
	e.mu.RUnlock()
	if !ok {
		return "", nil, enginerr.New(enginerr.KindTransient, "unknown sub-process execution "+handle.ChildExecutionID)
	}
	return string(r.exec.Status), r.exec.Outputs, nil
}

// RunRecovery runs the startup recovery sweep and re-drives every
// non-terminal execution's scheduler so reset/resumed steps actually
// progress, then caches the summary for RecoveryStatus.
func (e *Engine) RunRecovery(ctx context.Context) (recovery.Summary, error) {
	sweeper := recovery.New(e, e.Audit, e.Config.MaxExecutionAge())
	summary, err := sweeper.Run(ctx, time.Now())
	if err != nil {
		return summary, err
	}
	e.lastRecovery = summary

	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()
	for _, r := range runs {
		if r.exec.Status.Terminal() {
			continue
		}
		_ = r.scheduler.Run(ctx, r.exec)
		if r.exec.Status.Terminal() {
			e.Limits.Release(r.exec.DefinitionRef)
		}
	}
	return summary, nil
}
