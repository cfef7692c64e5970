package definition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/trinity-platform/process-engine/pkg/expr"
)

var (
	nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)
	stepRE = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)
)

// Lookup resolves a published ProcessDefinition by ref, used to validate
// sub_process targets (rule 8). A nil Lookup skips that check.
type Lookup func(ref Ref) (*ProcessDefinition, bool)

// Validator runs the §4.1 validation rules against a parsed definition.
type Validator struct {
	Lookup Lookup
}

// NewValidator creates a Validator. lookup may be nil if sub_process target
// existence cannot be checked in the caller's context (e.g. standalone
// definition linting).
func NewValidator(lookup Lookup) *Validator {
	return &Validator{Lookup: lookup}
}

// Validate runs every rule and returns an *InvalidDefinitionError carrying
// all violations found, or nil if the definition is valid.
func (v *Validator) Validate(def *ProcessDefinition) error {
	def.BuildIndex()
	var errs []string

	errs = append(errs, v.checkNameVersion(def)...)
	errs = append(errs, v.checkTriggers(def)...)
	errs = append(errs, v.checkStepIDs(def)...)

	graph, graphErrs := v.buildGraph(def)
	errs = append(errs, graphErrs...)
	if len(graphErrs) == 0 {
		errs = append(errs, v.checkAcyclic(def, graph)...)
	}

	errs = append(errs, v.checkGateways(def)...)
	errs = append(errs, v.checkExpressions(def, graph)...)
	errs = append(errs, v.checkBounds(def)...)
	errs = append(errs, v.checkSubProcess(def)...)

	if len(errs) > 0 {
		return &InvalidDefinitionError{Errors: errs}
	}
	return nil
}

// rule 1
func (v *Validator) checkNameVersion(def *ProcessDefinition) []string {
	var errs []string
	if !nameRE.MatchString(def.Name) {
		errs = append(errs, fmt.Sprintf("name %q must match [a-z0-9][a-z0-9-]{1,63}", def.Name))
	}
	if strings.TrimSpace(def.Version) == "" {
		errs = append(errs, "version must be a non-empty string")
	}
	return errs
}

// rule 2
func (v *Validator) checkTriggers(def *ProcessDefinition) []string {
	var errs []string
	seen := make(map[string]bool)
	for _, t := range def.Triggers {
		if t.ID == "" {
			errs = append(errs, "trigger missing id")
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("trigger id %q is not unique within the definition", t.ID))
		}
		seen[t.ID] = true

		switch t.Kind {
		case TriggerManual, TriggerWebhook:
			// no extra fields required
		case TriggerSchedule:
			if len(strings.Fields(t.Cron)) != 5 {
				errs = append(errs, fmt.Sprintf("trigger %q: cron expression must have 5 fields, got %q", t.ID, t.Cron))
			}
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				errs = append(errs, fmt.Sprintf("trigger %q: invalid IANA timezone %q", t.ID, t.Timezone))
			}
		default:
			errs = append(errs, fmt.Sprintf("trigger %q: unknown kind %q", t.ID, t.Kind))
		}
	}
	return errs
}

// rule 3
func (v *Validator) checkStepIDs(def *ProcessDefinition) []string {
	var errs []string
	seen := make(map[string]bool)
	for _, s := range def.Steps {
		if !stepRE.MatchString(s.ID) {
			errs = append(errs, fmt.Sprintf("step id %q must match [a-z][a-z0-9-]{0,63}", s.ID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("step id %q is not unique within the definition", s.ID))
		}
		seen[s.ID] = true
	}
	return errs
}

// depGraph is the combined depends_on + gateway-next DAG, forward edges
// oriented "must finish before".
type depGraph struct {
	forward map[string][]string
	reverse map[string][]string
}

// rule 4 (reference existence half; cycle detection is checkAcyclic)
func (v *Validator) buildGraph(def *ProcessDefinition) (*depGraph, []string) {
	var errs []string
	g := &depGraph{forward: map[string][]string{}, reverse: map[string][]string{}}

	addEdge := func(from, to string) {
		g.forward[from] = append(g.forward[from], to)
		g.reverse[to] = append(g.reverse[to], from)
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := def.StepByID(dep); !ok {
				errs = append(errs, fmt.Sprintf("step %q: depends_on references unknown step %q", s.ID, dep))
				continue
			}
			addEdge(dep, s.ID)
		}
		if s.Kind == StepGateway && s.Gateway != nil {
			for _, c := range s.Gateway.Conditions {
				if c.Next == "" {
					continue
				}
				if _, ok := def.StepByID(c.Next); !ok {
					errs = append(errs, fmt.Sprintf("step %q: gateway next references unknown step %q", s.ID, c.Next))
					continue
				}
				addEdge(s.ID, c.Next)
			}
		}
	}
	return g, errs
}

func (v *Validator) checkAcyclic(def *ProcessDefinition, g *depGraph) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Steps))
	var cyclic bool

	var visit func(id string)
	visit = func(id string) {
		if cyclic || color[id] == black {
			return
		}
		if color[id] == gray {
			cyclic = true
			return
		}
		color[id] = gray
		for _, next := range g.forward[id] {
			visit(next)
			if cyclic {
				return
			}
		}
		color[id] = black
	}

	for _, s := range def.Steps {
		visit(s.ID)
		if cyclic {
			return []string{"dependency graph (depends_on + gateway next) contains a cycle"}
		}
	}
	return nil
}

// rule 5
func (v *Validator) checkGateways(def *ProcessDefinition) []string {
	var errs []string
	for _, s := range def.Steps {
		if s.Kind != StepGateway {
			continue
		}
		if s.Gateway == nil || len(s.Gateway.Conditions) == 0 {
			errs = append(errs, fmt.Sprintf("gateway step %q: conditions list must be non-empty", s.ID))
			continue
		}
		defaults := 0
		for _, c := range s.Gateway.Conditions {
			if c.Default {
				defaults++
			}
			if c.Next == "" {
				errs = append(errs, fmt.Sprintf("gateway step %q: condition missing next", s.ID))
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Sprintf("gateway step %q: at most one condition may set default: true, found %d", s.ID, defaults))
		}
	}
	return errs
}

// ancestors returns every step id reachable backwards from id over the
// combined depends_on/gateway-next graph (i.e. everything that must or may
// have run before id).
func (g *depGraph) ancestors(id string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), g.reverse[id]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.reverse[n]...)
	}
	return seen
}

// rule 6
func (v *Validator) checkExpressions(def *ProcessDefinition, g *depGraph) []string {
	var errs []string

	checkBare := func(stepID, field, expression string) {
		if expression == "" {
			return
		}
		if err := expr.Validate(expression); err != nil {
			errs = append(errs, fmt.Sprintf("step %q: %s: %v", stepID, field, err))
			return
		}
		errs = append(errs, v.checkIdentifiers(def, g, stepID, field, expression)...)
	}
	checkTemplated := func(stepID, field, s string) {
		for _, inner := range expr.ExtractInterpolations(s) {
			checkBare(stepID, field, inner)
		}
	}

	for _, s := range def.Steps {
		if s.Condition != "" {
			checkBare(s.ID, "condition", s.Condition)
		}
		switch s.Kind {
		case StepAgentTask:
			if s.AgentTask != nil {
				checkTemplated(s.ID, "message", s.AgentTask.Message)
				checkTemplated(s.ID, "model", s.AgentTask.Model)
			}
		case StepHumanApproval:
			if s.HumanApproval != nil {
				checkTemplated(s.ID, "title", s.HumanApproval.Title)
				checkTemplated(s.ID, "description", s.HumanApproval.Description)
			}
		case StepGateway:
			if s.Gateway != nil {
				for i, c := range s.Gateway.Conditions {
					if !c.Default {
						checkBare(s.ID, fmt.Sprintf("conditions[%d].expression", i), c.Expression)
					}
				}
			}
		case StepNotification:
			if s.Notification != nil {
				checkTemplated(s.ID, "message", s.Notification.Message)
				for _, r := range s.Notification.Recipients {
					checkTemplated(s.ID, "recipients", r)
				}
			}
		case StepSubProcess:
			if s.SubProcess != nil {
				for k, mapExpr := range s.SubProcess.InputMapping {
					checkBare(s.ID, "input_mapping."+k, mapExpr)
				}
			}
		}
	}

	for i, o := range def.Outputs {
		if o.Source == "" {
			continue
		}
		if err := expr.Validate(o.Source); err != nil {
			errs = append(errs, fmt.Sprintf("outputs[%d] %q: %v", i, o.Name, err))
			continue
		}
		roots, _ := expr.ReferencedRoots(o.Source)
		for _, r := range roots {
			if r != "input" && r != "trigger" && r != "steps" {
				errs = append(errs, fmt.Sprintf("outputs[%d] %q: references unknown root %q", i, o.Name, r))
			}
		}
		stepRefs, _ := expr.ReferencedStepIDs(o.Source)
		for _, id := range stepRefs {
			if _, ok := def.StepByID(id); !ok {
				errs = append(errs, fmt.Sprintf("outputs[%d] %q: references unknown step %q", i, o.Name, id))
			}
		}
	}

	return errs
}

func (v *Validator) checkIdentifiers(def *ProcessDefinition, g *depGraph, stepID, field, expression string) []string {
	var errs []string

	roots, err := expr.ReferencedRoots(expression)
	if err != nil {
		return nil
	}
	for _, r := range roots {
		if r != "input" && r != "trigger" && r != "steps" {
			errs = append(errs, fmt.Sprintf("step %q: %s: references unknown root %q", stepID, field, r))
		}
	}

	stepRefs, _ := expr.ReferencedStepIDs(expression)
	if len(stepRefs) == 0 {
		return errs
	}

	ancestors := g.ancestors(stepID)
	for _, id := range stepRefs {
		if _, ok := def.StepByID(id); !ok {
			errs = append(errs, fmt.Sprintf("step %q: %s: references unknown step %q", stepID, field, id))
			continue
		}
		if !ancestors[id] {
			errs = append(errs, fmt.Sprintf("step %q: %s: references step %q which is not in its depends_on/gateway ancestry", stepID, field, id))
		}
	}
	return errs
}

// rule 7
func (v *Validator) checkBounds(def *ProcessDefinition) []string {
	var errs []string
	for _, s := range def.Steps {
		if s.Retry != nil {
			if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > 10 {
				errs = append(errs, fmt.Sprintf("step %q: retry.max_attempts must be in [1,10], got %d", s.ID, s.Retry.MaxAttempts))
			}
			if s.Retry.Backoff != BackoffFixed && s.Retry.Backoff != BackoffExponential {
				errs = append(errs, fmt.Sprintf("step %q: retry.backoff must be 'fixed' or 'exponential', got %q", s.ID, s.Retry.Backoff))
			}
		}
		if s.Timeout > 24*time.Hour {
			errs = append(errs, fmt.Sprintf("step %q: timeout must be <= 24h, got %s", s.ID, s.Timeout))
		}
		if s.Kind == StepTimer && s.Timer != nil && s.Timer.Duration > 30*24*time.Hour {
			errs = append(errs, fmt.Sprintf("step %q: timer duration must be <= 30d, got %s", s.ID, s.Timer.Duration))
		}
	}
	return errs
}

// rule 8
func (v *Validator) checkSubProcess(def *ProcessDefinition) []string {
	var errs []string
	for _, s := range def.Steps {
		if s.Kind != StepSubProcess || s.SubProcess == nil {
			continue
		}
		target := s.SubProcess.Process
		if target.Name == "" {
			errs = append(errs, fmt.Sprintf("step %q: sub_process.process.name is required", s.ID))
			continue
		}
		if v.Lookup == nil {
			continue
		}
		targetDef, ok := v.Lookup(Ref{Name: target.Name, Version: target.Version})
		if !ok {
			errs = append(errs, fmt.Sprintf("step %q: sub_process target %s@%s does not exist or is not published", s.ID, target.Name, target.Version))
			continue
		}
		if depth := subProcessDepth(v.Lookup, targetDef, map[string]bool{def.Name: true}, 1); depth > 5 {
			errs = append(errs, fmt.Sprintf("step %q: sub_process recursion exceeds max depth 5", s.ID))
		}
	}
	return errs
}

// subProcessDepth walks sub_process targets transitively, returning the
// deepest chain length found, or depth+6 (always over the limit of 5)
// immediately if a name in visited recurs (direct or indirect recursion).
func subProcessDepth(lookup Lookup, def *ProcessDefinition, visited map[string]bool, depth int) int {
	if depth > 5 {
		return depth
	}
	if visited[def.Name] {
		return depth + 6 // force over-limit: recursion back into an ancestor
	}
	visited[def.Name] = true

	max := depth
	for _, s := range def.Steps {
		if s.Kind != StepSubProcess || s.SubProcess == nil {
			continue
		}
		child, ok := lookup(Ref{Name: s.SubProcess.Process.Name, Version: s.SubProcess.Process.Version})
		if !ok {
			continue
		}
		childVisited := make(map[string]bool, len(visited))
		for k := range visited {
			childVisited[k] = true
		}
		d := subProcessDepth(lookup, child, childVisited, depth+1)
		if d > max {
			max = d
		}
	}
	return max
}
