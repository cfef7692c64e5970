package expr

import (
	"encoding/json"
	"time"
)

// StepOutcome is the per-step data a Context exposes under steps.<id>.
type StepOutcome struct {
	Status      string
	Output      any
	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    *time.Duration

	// rawOutput is the as-produced output (e.g. a raw agent response
	// string). Output may be a parsed-JSON projection of it.
	rawOutput any
}

// Context is the evaluation context: input, trigger, and per-step outcomes.
// It is safe for concurrent reads once built; writers must use SetStep
// before concurrent readers begin.
type Context struct {
	Input   map[string]any
	Trigger map[string]any
	steps   map[string]*StepOutcome
}

// NewContext creates an empty Context over the given input/trigger payloads.
func NewContext(input, trigger map[string]any) *Context {
	return &Context{
		Input:   input,
		Trigger: trigger,
		steps:   make(map[string]*StepOutcome),
	}
}

// SetStep records (or overwrites) the outcome for a step id. If output is a
// string, it is parsed once as JSON and cached; if parsing fails the string
// is exposed as-is (dotted-path access into it then yields Missing, per the
// grammar's rule for non-JSON agent output).
func (c *Context) SetStep(stepID, status string, output any, startedAt, completedAt *time.Time, duration *time.Duration) {
	outcome := &StepOutcome{
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
		rawOutput:   output,
	}

	if s, ok := output.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			outcome.Output = parsed
		} else {
			outcome.Output = s
		}
	} else {
		outcome.Output = output
	}

	c.steps[stepID] = outcome
}

// StepOutcome returns the recorded outcome for a step id, or nil if none was
// ever recorded (the step has not reached a terminal/observable state yet).
func (c *Context) StepOutcome(stepID string) *StepOutcome {
	return c.steps[stepID]
}

// resolve walks a dotted/bracketed path against the context root
// (input/trigger/steps), returning Missing for any unresolved segment.
func (c *Context) resolve(path []pathSegment) any {
	if len(path) == 0 {
		return Missing
	}

	root := path[0].name
	var cur any
	switch root {
	case "input":
		cur = mapOrMissing(c.Input)
	case "trigger":
		cur = mapOrMissing(c.Trigger)
	case "steps":
		if len(path) < 2 {
			return Missing
		}
		outcome, ok := c.steps[path[1].name]
		if !ok {
			return Missing
		}
		if len(path) == 2 {
			return Missing
		}
		field := path[2].name
		switch field {
		case "output":
			cur = outcome.Output
			path = path[3:]
		case "status":
			if len(path) != 3 {
				return Missing
			}
			return outcome.Status
		case "duration":
			if len(path) != 3 || outcome.Duration == nil {
				return Missing
			}
			return outcome.Duration.Seconds()
		case "started_at":
			if len(path) != 3 || outcome.StartedAt == nil {
				return Missing
			}
			return outcome.StartedAt.Format(time.RFC3339)
		case "completed_at":
			if len(path) != 3 || outcome.CompletedAt == nil {
				return Missing
			}
			return outcome.CompletedAt.Format(time.RFC3339)
		default:
			return Missing
		}
		return descend(cur, path)
	default:
		return Missing
	}

	return descend(cur, path[1:])
}

func mapOrMissing(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// descend walks the remaining path segments into an already-resolved value.
func descend(cur any, path []pathSegment) any {
	for _, seg := range path {
		if seg.index != nil {
			arr, ok := cur.([]any)
			if !ok {
				return Missing
			}
			idx := *seg.index
			if idx < 0 || idx >= len(arr) {
				return Missing
			}
			cur = arr[idx]
			continue
		}

		m, ok := cur.(map[string]any)
		if !ok {
			return Missing
		}
		v, ok := m[seg.name]
		if !ok {
			return Missing
		}
		cur = v
	}
	return cur
}
