// Package authz implements role-based permissions on definitions/executions
// and the global/per-process concurrency caps from §5 and §6.
package authz

import (
	"sync"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/internal/enginerr"
)

// Role is a coarse permission grant. The engine takes a pre-resolved Actor
// carrying its roles; it does not authenticate or resolve identity itself
// (identity provider is an external collaborator, out of scope).
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleDesigner Role = "designer"
	RoleAdmin    Role = "admin"
)

// Actor is the resolved identity behind an authorized operation.
type Actor struct {
	ID    string
	Email string
	Roles []Role
}

func (a Actor) has(role Role) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Operation names the permission being checked.
type Operation string

const (
	OpStartExecution    Operation = "start_execution"
	OpCancelExecution   Operation = "cancel_execution"
	OpDecideApproval    Operation = "decide_approval"
	OpPublishDefinition Operation = "publish_definition"
	OpEditDefinition    Operation = "edit_definition"
	OpResetCircuit      Operation = "reset_circuit"
	OpViewExecution     Operation = "view_execution"
)

var requiredRole = map[Operation]Role{
	OpStartExecution:    RoleOperator,
	OpCancelExecution:   RoleOperator,
	OpDecideApproval:    RoleApprover,
	OpPublishDefinition: RoleDesigner,
	OpEditDefinition:    RoleDesigner,
	OpResetCircuit:      RoleAdmin,
	OpViewExecution:     RoleViewer,
}

// Authorize reports whether actor may perform op, returning a structured
// error if not.
func Authorize(actor Actor, op Operation) error {
	role, ok := requiredRole[op]
	if !ok {
		return enginerr.New(enginerr.KindInvalidDefinition, "unknown operation: "+string(op))
	}
	if !actor.has(role) {
		return enginerr.New(enginerr.KindLimitExceeded, "actor lacks role "+string(role)+" for "+string(op))
	}
	return nil
}

// Limiter enforces the global and per-process execution concurrency caps
// (§5, §6): global default 50, per-process default 3. Submission beyond
// caps returns LimitExceeded (the spec's HTTP 429 equivalent).
type Limiter struct {
	mu              sync.Mutex
	globalMax       int
	perProcessMax   int
	globalCount     int
	perProcessCount map[definition.Ref]int
}

// NewLimiter creates a Limiter with the given global and per-process caps.
func NewLimiter(globalMax, perProcessMax int) *Limiter {
	return &Limiter{
		globalMax:       globalMax,
		perProcessMax:   perProcessMax,
		perProcessCount: map[definition.Ref]int{},
	}
}

// TryAcquire reserves one concurrency slot for ref, honoring any
// definition-level override in cfg. Call Release when the execution
// terminates.
func (l *Limiter) TryAcquire(ref definition.Ref, cfg definition.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	globalMax := l.globalMax
	if cfg.MaxGlobalExecutions != nil {
		globalMax = *cfg.MaxGlobalExecutions
	}
	perProcessMax := l.perProcessMax
	if cfg.MaxPerProcessExecutions != nil {
		perProcessMax = *cfg.MaxPerProcessExecutions
	}

	if l.globalCount >= globalMax {
		return enginerr.New(enginerr.KindLimitExceeded, "global execution concurrency limit reached")
	}
	if l.perProcessCount[ref] >= perProcessMax {
		return enginerr.New(enginerr.KindLimitExceeded, "per-process execution concurrency limit reached for "+ref.Name)
	}

	l.globalCount++
	l.perProcessCount[ref]++
	return nil
}

// Release frees one concurrency slot for ref.
func (l *Limiter) Release(ref definition.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalCount > 0 {
		l.globalCount--
	}
	if l.perProcessCount[ref] > 0 {
		l.perProcessCount[ref]--
	}
}
