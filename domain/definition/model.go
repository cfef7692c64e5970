// Package definition implements the process-definition model: the
// declarative workflow document (name, version, triggers, steps, outputs)
// together with its validator.
package definition

import "time"

// Status is the lifecycle status of a ProcessDefinition.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// TriggerKind enumerates the supported trigger sources.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
)

// Trigger is one entry in ProcessDefinition.Triggers.
type Trigger struct {
	Kind        TriggerKind
	ID          string
	Cron        string
	Timezone    string
	StaticInput map[string]any
}

// Output is one entry in ProcessDefinition.Outputs: a named expression
// resolved against the final execution context.
type Output struct {
	Name   string
	Source string
}

// Config holds definition-level overrides.
type Config struct {
	MaxCost                 *float64
	DataClassification      string
	MaxGlobalExecutions     *int
	MaxPerProcessExecutions *int
}

// BackoffKind is the retry backoff strategy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy is the common retry configuration attachable to any step.
type RetryPolicy struct {
	MaxAttempts  int
	Backoff      BackoffKind
	InitialDelay time.Duration
}

// StepKind is the closed set of step types the engine understands.
type StepKind string

const (
	StepAgentTask     StepKind = "agent_task"
	StepHumanApproval StepKind = "human_approval"
	StepGateway       StepKind = "gateway"
	StepTimer         StepKind = "timer"
	StepNotification  StepKind = "notification"
	StepSubProcess    StepKind = "sub_process"
)

// TimeoutAction is what a human_approval step does when its deadline passes
// with no decision.
type TimeoutAction string

const (
	TimeoutActionSkip    TimeoutAction = "skip"
	TimeoutActionApprove TimeoutAction = "approve"
	TimeoutActionReject  TimeoutAction = "reject"
)

// AgentTaskSpec is the agent_task step variant.
type AgentTaskSpec struct {
	Agent        string
	Message      string
	Model        string
	AllowedTools []string
	Roles        []string
}

// HumanApprovalSpec is the human_approval step variant.
type HumanApprovalSpec struct {
	Title         string
	Description   string
	TimeoutAction TimeoutAction
	Approvers     []string
}

// GatewayCondition is one ordered entry in a gateway step.
type GatewayCondition struct {
	Expression string
	Next       string
	Default    bool
}

// GatewaySpec is the gateway step variant.
type GatewaySpec struct {
	Conditions []GatewayCondition
}

// TimerSpec is the timer step variant.
type TimerSpec struct {
	Duration time.Duration
}

// NotificationSpec is the notification step variant.
type NotificationSpec struct {
	Channels   []string
	Message    string
	Recipients []string
}

// SubProcessTarget names the process a sub_process step launches.
type SubProcessTarget struct {
	Name    string
	Version string
}

// SubProcessSpec is the sub_process step variant.
type SubProcessSpec struct {
	Process      SubProcessTarget
	InputMapping map[string]string
}

// StepSpec is a tagged variant: exactly one of the Kind-named fields is set,
// matching StepSpec.Kind. Keeping the variant closed (no generic map of
// arbitrary fields) means extending the step set is a deliberate engine
// change, not a user extension point, per the design notes.
type StepSpec struct {
	ID        string
	Name      string
	Kind      StepKind
	DependsOn []string
	Condition string
	Retry     *RetryPolicy
	Timeout   time.Duration

	AgentTask     *AgentTaskSpec
	HumanApproval *HumanApprovalSpec
	Gateway       *GatewaySpec
	Timer         *TimerSpec
	Notification  *NotificationSpec
	SubProcess    *SubProcessSpec
}

// ProcessDefinition is the validated, in-memory form of a workflow document.
type ProcessDefinition struct {
	Name    string
	Version string
	Status  Status

	Triggers []Trigger
	// Steps preserves source order; step ids are unique within it. Use
	// StepByID for lookups instead of scanning when possible.
	Steps   []StepSpec
	Outputs []Output
	Config  Config

	stepIndex map[string]int
}

// Ref identifies a published ProcessDefinition by name+version.
type Ref struct {
	Name    string
	Version string
}

// BuildIndex populates the internal step-id index. Callers that construct a
// ProcessDefinition directly (e.g. in tests) should call this before using
// StepByID; Parse and the Validator call it automatically.
func (d *ProcessDefinition) BuildIndex() {
	d.stepIndex = make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		d.stepIndex[s.ID] = i
	}
}

// StepByID returns the step with the given id, and whether it was found.
func (d *ProcessDefinition) StepByID(id string) (*StepSpec, bool) {
	if d.stepIndex == nil {
		d.BuildIndex()
	}
	i, ok := d.stepIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Steps[i], true
}

// StepOrder returns the source-order index of a step id, or -1 if absent.
// Used by the scheduler for stable tie-break dispatch ordering.
func (d *ProcessDefinition) StepOrder(id string) int {
	if d.stepIndex == nil {
		d.BuildIndex()
	}
	if i, ok := d.stepIndex[id]; ok {
		return i
	}
	return -1
}
