package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Automation is an operator-defined rule: when Trigger fires and the
// Conditions hold under ConditionLogic, the Actions run in order.
type Automation struct {
	// Identity
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name" validate:"required,max=100"`
	Description *string `json:"description,omitempty" yaml:"description,omitempty" validate:"omitempty,max=500"`

	// Configuration
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Priority int  `json:"priority" yaml:"priority" validate:"min=1,max=100"` // higher runs first when several fire together

	Trigger        TriggerSpec `json:"trigger" yaml:"trigger"`
	Conditions     []Condition `json:"conditions" yaml:"conditions" validate:"max=50,dive"`
	ConditionLogic Logic       `json:"condition_logic" yaml:"condition_logic" validate:"oneof=AND OR"`
	Actions        []Action    `json:"actions" yaml:"actions" validate:"min=1,max=50,dive"`

	// Run statistics, owned by the engine
	RunCount   int        `json:"run_count" yaml:"-"`
	LastRun    *time.Time `json:"last_run,omitempty" yaml:"-"`
	LastStatus *RunStatus `json:"last_status,omitempty" yaml:"-"`

	// Timestamps
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Logic combines a condition list.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// TriggerType is the discriminator of a TriggerSpec.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerSchedule  TriggerType = "schedule"
	TriggerThreshold TriggerType = "threshold"
	TriggerEvent     TriggerType = "event"
)

// TriggerSpec says what starts an automation. Exactly one of the
// kind-specific members is set, matching Type.
type TriggerSpec struct {
	Type      TriggerType       `json:"type" yaml:"type" validate:"required,oneof=manual schedule threshold event"`
	Schedule  *ScheduleTrigger  `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"required_if=Type schedule,omitempty"`
	Threshold *ThresholdTrigger `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"required_if=Type threshold,omitempty"`
	Event     *EventTrigger     `json:"event,omitempty" yaml:"event,omitempty" validate:"required_if=Type event,omitempty"`
}

// ScheduleKind selects which ScheduleTrigger fields are meaningful.
type ScheduleKind string

const (
	ScheduleOnce   ScheduleKind = "once"   // RunAt
	ScheduleDaily  ScheduleKind = "daily"  // Time
	ScheduleWeekly ScheduleKind = "weekly" // DayOfWeek + Time
	ScheduleHourly ScheduleKind = "hourly" // Minute
	ScheduleCustom ScheduleKind = "custom" // CronExpr
)

// ScheduleTrigger fires on wall-clock time in the site timezone.
type ScheduleTrigger struct {
	Kind      ScheduleKind `json:"kind" yaml:"kind" validate:"required,oneof=once daily weekly hourly custom"`
	Time      string       `json:"time,omitempty" yaml:"time,omitempty"` // HH:MM, 24h
	DayOfWeek *int         `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty" validate:"omitempty,min=0,max=6"`
	Minute    *int         `json:"minute,omitempty" yaml:"minute,omitempty" validate:"omitempty,min=0,max=59"`
	CronExpr  string       `json:"cron_expr,omitempty" yaml:"cron_expr,omitempty"` // 5-field
	RunAt     *time.Time   `json:"run_at,omitempty" yaml:"run_at,omitempty"`
}

// ThresholdMode controls how often a threshold trigger fires while the
// reading stays on the satisfying side.
type ThresholdMode string

const (
	// ThresholdEdge fires once per crossing from unsatisfied to satisfied.
	ThresholdEdge ThresholdMode = "edge"
	// ThresholdLevel fires on every satisfying reading.
	ThresholdLevel ThresholdMode = "level"
)

// ThresholdTrigger fires on sensor readings from one equipment/sensor pair.
type ThresholdTrigger struct {
	EquipmentID string        `json:"equipment_id" yaml:"equipment_id" validate:"required"`
	SensorType  string        `json:"sensor_type" yaml:"sensor_type" validate:"required"`
	Operator    Operator      `json:"operator" yaml:"operator" validate:"required,oneof=eq neq gt gte lt lte"`
	Value       Scalar        `json:"threshold_value" yaml:"threshold_value" validate:"required"`
	Unit        string        `json:"unit,omitempty" yaml:"unit,omitempty"`
	Mode        ThresholdMode `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=edge level"`
}

// EventTrigger fires on equipment lifecycle events.
// Event is a glob pattern ("door.*"); Filter entries must all match the payload.
type EventTrigger struct {
	EquipmentID string            `json:"equipment_id,omitempty" yaml:"equipment_id,omitempty"`
	Event       string            `json:"event" yaml:"event" validate:"required"`
	Filter      map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Operator is a comparison used by conditions and threshold triggers.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// Condition is a predicate over the runtime context.
type Condition struct {
	Field    string   `json:"field" yaml:"field" validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required,oneof=eq neq gt gte lt lte"`
	Value    Scalar   `json:"value" yaml:"value"`
}

// ActionType is the discriminator of an Action.
type ActionType string

const (
	ActionAlert   ActionType = "alert"
	ActionControl ActionType = "control"
	ActionLog     ActionType = "log"
)

// Action is one step of an automation. Exactly one of the kind-specific
// members is set, matching Type. DelaySeconds defers the step without
// blocking the steps after it.
type Action struct {
	Type         ActionType     `json:"type" yaml:"type" validate:"required,oneof=alert control log"`
	DelaySeconds int            `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty" validate:"min=0,max=86400"`
	Alert        *AlertAction   `json:"alert,omitempty" yaml:"alert,omitempty" validate:"required_if=Type alert,omitempty"`
	Control      *ControlAction `json:"control,omitempty" yaml:"control,omitempty" validate:"required_if=Type control,omitempty"`
	Log          *LogAction     `json:"log,omitempty" yaml:"log,omitempty" validate:"required_if=Type log,omitempty"`
}

// Severity of an alert action.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertAction raises an operator alert.
type AlertAction struct {
	Severity    Severity `json:"severity" yaml:"severity" validate:"required,oneof=info warning critical"`
	Message     string   `json:"message" yaml:"message" validate:"required,max=1000"`
	EquipmentID string   `json:"equipment_id,omitempty" yaml:"equipment_id,omitempty"`
}

// ControlVerb is the command sent to equipment.
type ControlVerb string

const (
	ControlOn     ControlVerb = "on"
	ControlOff    ControlVerb = "off"
	ControlToggle ControlVerb = "toggle"
	ControlSet    ControlVerb = "set"
)

// ControlAction drives one equipment channel. DurationSeconds on an
// on/toggle action schedules the inverse command afterwards.
type ControlAction struct {
	EquipmentID     string      `json:"equipment_id" yaml:"equipment_id" validate:"required"`
	Channel         string      `json:"channel,omitempty" yaml:"channel,omitempty"`
	Action          ControlVerb `json:"action" yaml:"action" validate:"required,oneof=on off toggle set"`
	Value           *Scalar     `json:"value,omitempty" yaml:"value,omitempty"`
	DurationSeconds int         `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty" validate:"min=0,max=86400"`
}

// LogAction appends to the activity log.
type LogAction struct {
	Message string `json:"message" yaml:"message" validate:"required,max=1000"`
}

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunWarning RunStatus = "warning" // conditions did not pass
)

// RunLog records one trigger→condition→action cycle.
// It is created pending and finalized once; it never changes afterwards.
type RunLog struct {
	ID           string      `json:"id"`
	AutomationID string      `json:"automation_id"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggeredAt  time.Time   `json:"triggered_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Status       RunStatus   `json:"status"`
	Message      string      `json:"message,omitempty"`
}

// Scalar is a string-typed value that also accepts JSON numbers and
// booleans, so "30" and 30 mean the same thing in a definition.
type Scalar string

// UnmarshalJSON accepts strings, numbers and booleans.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case nil:
		*s = ""
	case float64, bool:
		*s = Scalar(data) // keep the literal so 30 stays "30", not "30.000000"
	default:
		return fmt.Errorf("scalar: unsupported JSON value %s", data)
	}
	return nil
}

func (s Scalar) String() string { return string(s) }

// DeepCopy creates a complete independent copy of the Automation.
// Pointer, slice and map fields are cloned for cache isolation.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}

	cpy := *a
	cpy.Description = clonePtr(a.Description)
	cpy.LastRun = clonePtr(a.LastRun)
	cpy.LastStatus = clonePtr(a.LastStatus)
	cpy.Trigger = a.Trigger.deepCopy()

	if a.Conditions != nil {
		cpy.Conditions = make([]Condition, len(a.Conditions))
		copy(cpy.Conditions, a.Conditions)
	}

	if a.Actions != nil {
		cpy.Actions = make([]Action, len(a.Actions))
		for i, act := range a.Actions {
			cpy.Actions[i] = act.deepCopy()
		}
	}

	return &cpy
}

func (t TriggerSpec) deepCopy() TriggerSpec {
	cpy := t
	if t.Schedule != nil {
		s := *t.Schedule
		s.DayOfWeek = clonePtr(t.Schedule.DayOfWeek)
		s.Minute = clonePtr(t.Schedule.Minute)
		s.RunAt = clonePtr(t.Schedule.RunAt)
		cpy.Schedule = &s
	}
	cpy.Threshold = clonePtr(t.Threshold)
	if t.Event != nil {
		e := *t.Event
		e.Filter = maps.Clone(t.Event.Filter)
		cpy.Event = &e
	}
	return cpy
}

func (a Action) deepCopy() Action {
	cpy := a
	cpy.Alert = clonePtr(a.Alert)
	cpy.Log = clonePtr(a.Log)
	if a.Control != nil {
		c := *a.Control
		c.Value = clonePtr(a.Control.Value)
		cpy.Control = &c
	}
	return cpy
}

// clonePtr creates an independent copy of a pointer to a value type.
func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
