package definition

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// rawDefinition mirrors the on-disk document shape before step-ordering and
// variant dispatch are applied.
type rawDefinition struct {
	Name     string       `yaml:"name"`
	Version  string       `yaml:"version"`
	Status   string       `yaml:"status"`
	Triggers []rawTrigger `yaml:"triggers"`
	Steps    yaml.Node    `yaml:"steps"`
	Outputs  []rawOutput  `yaml:"outputs"`
	Config   rawConfig    `yaml:"config"`
}

type rawTrigger struct {
	Kind        string         `yaml:"kind"`
	ID          string         `yaml:"id"`
	Cron        string         `yaml:"cron"`
	Timezone    string         `yaml:"timezone"`
	StaticInput map[string]any `yaml:"input"`
}

type rawOutput struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

type rawConfig struct {
	MaxCost                 *float64 `yaml:"max_cost"`
	DataClassification      string   `yaml:"data_classification"`
	MaxGlobalExecutions     *int     `yaml:"max_global_executions"`
	MaxPerProcessExecutions *int     `yaml:"max_per_process_executions"`
}

type rawRetry struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	Backoff      string `yaml:"backoff"`
	InitialDelay string `yaml:"initial_delay"`
}

type rawGatewayCondition struct {
	Expression string `yaml:"expression"`
	Next       string `yaml:"next"`
	Default    bool   `yaml:"default"`
}

type rawSubProcessTarget struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type rawStep struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"`
	DependsOn []string `yaml:"depends_on"`
	Condition string   `yaml:"condition"`
	Retry     *rawRetry `yaml:"retry"`
	Timeout   string   `yaml:"timeout"`

	// agent_task
	Agent        string   `yaml:"agent"`
	Message      string   `yaml:"message"`
	Model        string   `yaml:"model"`
	AllowedTools []string `yaml:"allowed_tools"`
	Roles        []string `yaml:"roles"`

	// human_approval
	Title         string   `yaml:"title"`
	Description   string   `yaml:"description"`
	TimeoutAction string   `yaml:"timeout_action"`
	Approvers     []string `yaml:"approvers"`

	// gateway
	Conditions []rawGatewayCondition `yaml:"conditions"`

	// timer
	Duration string `yaml:"duration"`

	// notification
	Channels   []string `yaml:"channels"`
	Recipients []string `yaml:"recipients"`

	// sub_process
	Process      rawSubProcessTarget `yaml:"process"`
	InputMapping map[string]string   `yaml:"input_mapping"`
}

// Parse parses a textual process-definition document (§4.1/§6 "Definition
// format") into a ProcessDefinition. Parse performs structural/type decoding
// only; call Validate on the result for semantic validation (§4.1 rules
// 1-8). A malformed document is reported as an InvalidDefinition, the same
// error shape Validate returns: bad YAML yields a single entry, while step
// decode problems (unknown step kind, bad duration) yield one entry each,
// collected across all steps.
func Parse(doc []byte) (*ProcessDefinition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, &InvalidDefinitionError{Errors: []string{fmt.Sprintf("parse yaml: %v", err)}}
	}

	steps, errs := decodeSteps(&raw.Steps)
	if len(errs) > 0 {
		return nil, &InvalidDefinitionError{Errors: errs}
	}

	def := &ProcessDefinition{
		Name:    raw.Name,
		Version: raw.Version,
		Status:  Status(raw.Status),
		Steps:   steps,
		Config: Config{
			MaxCost:                 raw.Config.MaxCost,
			DataClassification:      raw.Config.DataClassification,
			MaxGlobalExecutions:     raw.Config.MaxGlobalExecutions,
			MaxPerProcessExecutions: raw.Config.MaxPerProcessExecutions,
		},
	}
	if def.Status == "" {
		def.Status = StatusDraft
	}
	for _, t := range raw.Triggers {
		def.Triggers = append(def.Triggers, Trigger{
			Kind:        TriggerKind(t.Kind),
			ID:          t.ID,
			Cron:        t.Cron,
			Timezone:    t.Timezone,
			StaticInput: t.StaticInput,
		})
	}
	for _, o := range raw.Outputs {
		def.Outputs = append(def.Outputs, Output{Name: o.Name, Source: o.Source})
	}
	def.BuildIndex()
	return def, nil
}

// decodeSteps walks the "steps" mapping node in document order (yaml.v3
// preserves mapping key order in Node.Content) so that source order is
// recoverable for dispatch tie-breaks.
func decodeSteps(node *yaml.Node) ([]StepSpec, []string) {
	var errs []string
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, []string{"steps: expected a mapping of step id to step definition"}
	}

	steps := make([]StepSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		idNode := node.Content[i]
		valNode := node.Content[i+1]

		var raw rawStep
		if err := valNode.Decode(&raw); err != nil {
			errs = append(errs, fmt.Sprintf("step %q: %v", idNode.Value, err))
			continue
		}

		step, stepErrs := buildStep(idNode.Value, &raw)
		errs = append(errs, stepErrs...)
		steps = append(steps, step)
	}
	return steps, errs
}

func buildStep(id string, raw *rawStep) (StepSpec, []string) {
	var errs []string

	step := StepSpec{
		ID:        id,
		Name:      raw.Name,
		Kind:      StepKind(raw.Kind),
		DependsOn: raw.DependsOn,
		Condition: raw.Condition,
	}

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			errs = append(errs, fmt.Sprintf("step %q: invalid timeout %q: %v", id, raw.Timeout, err))
		} else {
			step.Timeout = d
		}
	}

	if raw.Retry != nil {
		rp := &RetryPolicy{
			MaxAttempts: raw.Retry.MaxAttempts,
			Backoff:     BackoffKind(raw.Retry.Backoff),
		}
		if raw.Retry.InitialDelay != "" {
			d, err := time.ParseDuration(raw.Retry.InitialDelay)
			if err != nil {
				errs = append(errs, fmt.Sprintf("step %q: invalid retry.initial_delay %q: %v", id, raw.Retry.InitialDelay, err))
			} else {
				rp.InitialDelay = d
			}
		}
		if rp.Backoff == "" {
			rp.Backoff = BackoffFixed
		}
		step.Retry = rp
	}

	switch step.Kind {
	case StepAgentTask:
		step.AgentTask = &AgentTaskSpec{
			Agent:        raw.Agent,
			Message:      raw.Message,
			Model:        raw.Model,
			AllowedTools: raw.AllowedTools,
			Roles:        raw.Roles,
		}
	case StepHumanApproval:
		step.HumanApproval = &HumanApprovalSpec{
			Title:         raw.Title,
			Description:   raw.Description,
			TimeoutAction: TimeoutAction(raw.TimeoutAction),
			Approvers:     raw.Approvers,
		}
	case StepGateway:
		gw := &GatewaySpec{}
		for _, c := range raw.Conditions {
			gw.Conditions = append(gw.Conditions, GatewayCondition{
				Expression: c.Expression,
				Next:       c.Next,
				Default:    c.Default,
			})
		}
		step.Gateway = gw
	case StepTimer:
		ts := &TimerSpec{}
		if raw.Duration != "" {
			d, err := time.ParseDuration(raw.Duration)
			if err != nil {
				errs = append(errs, fmt.Sprintf("step %q: invalid duration %q: %v", id, raw.Duration, err))
			} else {
				ts.Duration = d
			}
		}
		step.Timer = ts
	case StepNotification:
		step.Notification = &NotificationSpec{
			Channels:   raw.Channels,
			Message:    raw.Message,
			Recipients: raw.Recipients,
		}
	case StepSubProcess:
		step.SubProcess = &SubProcessSpec{
			Process: SubProcessTarget{
				Name:    raw.Process.Name,
				Version: raw.Process.Version,
			},
			InputMapping: raw.InputMapping,
		}
	default:
		errs = append(errs, fmt.Sprintf("step %q: unknown kind %q", id, raw.Kind))
	}

	return step, errs
}
