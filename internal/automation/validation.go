package automation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Validation constants.
const (
	defaultPriority = 50
	clockLayout     = "15:04"

	// eventSeparator splits event names into segments for glob matching:
	// "door.*" matches "door.open" but not "door.open.forced".
	eventSeparator = '.'
)

// validate is shared; validator.Validate caches struct metadata and is safe
// for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so API errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// compiledTrigger is the parsed, strict form of a TriggerSpec. It is built
// once when an automation is created or updated so the scheduler never
// re-interprets raw fields.
type compiledTrigger struct {
	kind      TriggerType
	schedule  cron.Schedule // daily, weekly, hourly, custom
	runAt     time.Time     // once
	once      bool
	pattern   glob.Glob // event
	threshold *ThresholdTrigger
	event     *EventTrigger
}

// ApplyDefaults fills optional fields that have a defined default.
func ApplyDefaults(a *Automation) {
	if a.Priority == 0 {
		a.Priority = defaultPriority
	}
	if a.ConditionLogic == "" {
		a.ConditionLogic = LogicAnd
	}
	a.ConditionLogic = Logic(strings.ToUpper(string(a.ConditionLogic)))
}

// ValidateAutomation checks a definition and compiles its trigger.
//
// Returns:
//   - error: nil if valid, or:
//   - ErrInvalidAutomation for structural problems (ValidationError)
//   - ErrScheduleParse for malformed cron expressions or schedule fields
func ValidateAutomation(a *Automation) error {
	_, err := compileAutomation(a)
	return err
}

// compileAutomation validates a and returns its compiled trigger.
func compileAutomation(a *Automation) (*compiledTrigger, error) {
	if a == nil {
		return nil, ErrInvalidAutomation
	}

	if err := validate.Struct(a); err != nil {
		return nil, describeValidationError(err)
	}

	if strings.TrimSpace(a.Name) == "" {
		return nil, fmt.Errorf("%w: name cannot be blank", ErrInvalidAutomation)
	}

	if err := checkTriggerMembers(a.Trigger); err != nil {
		return nil, err
	}

	for i, act := range a.Actions {
		if err := validateAction(act); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
	}

	return compileTrigger(a.Trigger)
}

// describeValidationError flattens validator output into one wrapped error.
func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidAutomation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Automation.trigger.schedule.kind"; drop the root type.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidAutomation, strings.Join(msgs, "; "))
}

// checkTriggerMembers rejects specs that carry a member for another type.
func checkTriggerMembers(t TriggerSpec) error {
	set := map[TriggerType]bool{
		TriggerSchedule:  t.Schedule != nil,
		TriggerThreshold: t.Threshold != nil,
		TriggerEvent:     t.Event != nil,
	}
	for typ, present := range set {
		if present && typ != t.Type {
			return fmt.Errorf("%w: trigger of type %s must not carry %s settings", ErrInvalidAutomation, t.Type, typ)
		}
	}
	return nil
}

// validateAction checks the per-type rules the struct tags cannot express.
func validateAction(act Action) error {
	members := map[ActionType]bool{
		ActionAlert:   act.Alert != nil,
		ActionControl: act.Control != nil,
		ActionLog:     act.Log != nil,
	}
	for typ, present := range members {
		if present && typ != act.Type {
			return fmt.Errorf("%w: action of type %s must not carry %s settings", ErrInvalidAutomation, act.Type, typ)
		}
	}

	if act.Type != ActionControl {
		return nil
	}

	c := act.Control
	if c.DurationSeconds > 0 && c.Action != ControlOn && c.Action != ControlToggle {
		return fmt.Errorf("%w: duration_seconds only applies to on and toggle", ErrInvalidAutomation)
	}
	if c.Action == ControlSet && (c.Value == nil || *c.Value == "") {
		return fmt.Errorf("%w: set requires a value", ErrInvalidAutomation)
	}
	return nil
}

// compileTrigger parses kind-specific fields into their strict form.
func compileTrigger(t TriggerSpec) (*compiledTrigger, error) {
	ct := &compiledTrigger{kind: t.Type}

	switch t.Type {
	case TriggerSchedule:
		if err := compileSchedule(ct, t.Schedule); err != nil {
			return nil, err
		}
	case TriggerThreshold:
		ct.threshold = t.Threshold
	case TriggerEvent:
		g, err := glob.Compile(t.Event.Event, eventSeparator)
		if err != nil {
			return nil, fmt.Errorf("%w: event pattern %q: %v", ErrInvalidAutomation, t.Event.Event, err)
		}
		ct.pattern = g
		ct.event = t.Event
	case TriggerManual:
	}

	return ct, nil
}

func compileSchedule(ct *compiledTrigger, s *ScheduleTrigger) error {
	var spec string

	switch s.Kind {
	case ScheduleOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return fmt.Errorf("%w: once schedule requires run_at", ErrScheduleParse)
		}
		ct.once = true
		ct.runAt = *s.RunAt
		return nil

	case ScheduleDaily:
		hour, minute, err := parseClock(s.Time)
		if err != nil {
			return err
		}
		spec = fmt.Sprintf("%d %d * * *", minute, hour)

	case ScheduleWeekly:
		if s.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly schedule requires day_of_week", ErrScheduleParse)
		}
		hour, minute, err := parseClock(s.Time)
		if err != nil {
			return err
		}
		spec = fmt.Sprintf("%d %d * * %d", minute, hour, *s.DayOfWeek)

	case ScheduleHourly:
		if s.Minute == nil {
			return fmt.Errorf("%w: hourly schedule requires minute", ErrScheduleParse)
		}
		spec = fmt.Sprintf("%d * * * *", *s.Minute)

	case ScheduleCustom:
		if len(strings.Fields(s.CronExpr)) != 5 { //nolint:mnd // standard cron has five fields
			return fmt.Errorf("%w: cron_expr %q must have 5 fields", ErrScheduleParse, s.CronExpr)
		}
		spec = s.CronExpr
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrScheduleParse, spec, err)
	}
	ct.schedule = sched
	return nil
}

// parseClock parses "HH:MM" in 24-hour form.
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrScheduleParse, s)
	}
	return t.Hour(), t.Minute(), nil
}

// GenerateID creates a new UUID for an automation or run.
func GenerateID() string {
	return uuid.New().String()
}
