package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// actionTimeout bounds a single collaborator call.
const actionTimeout = 30 * time.Second

// Equipment statuses that make a control action non-executable in a dry run.
const (
	statusOffline = "offline"
	statusError   = "error"
)

var errNoCollaborator = errors.New("collaborator not configured")

// ActionOutcome is the immediate result of one action in a live run.
type ActionOutcome struct {
	Index      int
	Type       ActionType
	Deferred   bool // scheduled on a delay timer; result arrives later
	Suppressed bool // skipped because the automation was cancelled mid-run
	Err        error
}

// ActionSimulation describes what an action would do, without doing it.
type ActionSimulation struct {
	Type         ActionType `json:"type"`
	WouldExecute bool       `json:"would_execute"`
	Details      string     `json:"details"`
}

// executor performs or describes an automation's action list.
// Delayed and auto-revert work is handed to the timer table and never
// blocks the caller.
type executor struct {
	equipment EquipmentController
	alerts    AlertSink
	activity  ActivityLogger
	state     StateProvider
	timers    *timerTable
	logger    Logger

	// detached returns the context for deferred work, which must outlive
	// the request that started the run.
	detached func() context.Context

	onDeferredFailure func(automationID string, actionIndex int, err error)
}

// Execute runs a's actions in order. epoch identifies the run; gen is the
// timer generation captured when the run started.
func (x *executor) Execute(ctx context.Context, a *Automation, epoch, gen uint64) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(a.Actions))

	for i, act := range a.Actions {
		out := ActionOutcome{Index: i, Type: act.Type}

		// Let the in-flight action finish, but start nothing new once the
		// automation has been cancelled.
		if !x.timers.Current(a.ID, gen) {
			out.Suppressed = true
			outcomes = append(outcomes, out)
			continue
		}

		if act.DelaySeconds > 0 {
			idx, action := i, act
			out.Deferred = x.timers.Schedule(a.ID, gen, timerKey{actionIndex: i, epoch: epoch, kind: timerDelay},
				seconds(act.DelaySeconds), func() {
					ctx, cancel := x.deferredContext()
					defer cancel()
					if err := x.perform(ctx, a, idx, action, epoch, gen); err != nil {
						x.deferredFailed(a.ID, idx, err)
					}
				})
			out.Suppressed = !out.Deferred
			outcomes = append(outcomes, out)
			continue
		}

		actx, cancel := context.WithTimeout(ctx, actionTimeout)
		out.Err = x.perform(actx, a, i, act, epoch, gen)
		cancel()

		if out.Err != nil {
			x.logger.Warn("automation action failed",
				"automation_id", a.ID,
				"action_index", i,
				"type", act.Type,
				"error", out.Err,
			)
		}
		outcomes = append(outcomes, out)
	}

	return outcomes
}

// perform executes one action now.
func (x *executor) perform(ctx context.Context, a *Automation, idx int, act Action, epoch, gen uint64) error {
	var err error

	switch act.Type {
	case ActionAlert:
		if x.alerts == nil {
			err = errNoCollaborator
			break
		}
		err = x.alerts.CreateAlert(ctx, Alert{
			Severity:     act.Alert.Severity,
			Message:      act.Alert.Message,
			EquipmentID:  act.Alert.EquipmentID,
			AutomationID: a.ID,
		})

	case ActionLog:
		if x.activity == nil {
			err = errNoCollaborator
			break
		}
		err = x.activity.Log(ctx, a.ID, act.Log.Message)

	case ActionControl:
		err = x.control(ctx, a, idx, act.Control, epoch, gen)

	default:
		err = fmt.Errorf("unknown action type %q", act.Type)
	}

	if err != nil {
		return fmt.Errorf("%w: action %d (%s): %w", ErrExecution, idx, act.Type, err)
	}

	x.logger.Debug("automation action executed",
		"automation_id", a.ID,
		"action_index", idx,
		"type", act.Type,
	)
	return nil
}

// control sends the command and arms the auto-revert timer when the action
// has a duration.
func (x *executor) control(ctx context.Context, a *Automation, idx int, c *ControlAction, epoch, gen uint64) error {
	if x.equipment == nil {
		return errNoCollaborator
	}

	cmd := ControlCommand{
		EquipmentID: c.EquipmentID,
		Channel:     c.Channel,
		Action:      c.Action,
		Source:      "automation:" + a.ID,
	}
	if c.Value != nil {
		cmd.Value = string(*c.Value)
	}

	if _, err := x.equipment.Control(ctx, cmd); err != nil {
		return err
	}

	inverse, ok := inverseVerb(c.Action)
	if c.DurationSeconds <= 0 || !ok {
		return nil
	}

	revert := cmd
	revert.Action = inverse
	revert.Value = ""

	armed := x.timers.Schedule(a.ID, gen, timerKey{actionIndex: idx, epoch: epoch, kind: timerRevert},
		seconds(c.DurationSeconds), func() {
			ctx, cancel := x.deferredContext()
			defer cancel()
			if _, err := x.equipment.Control(ctx, revert); err != nil {
				x.deferredFailed(a.ID, idx, fmt.Errorf("%w: auto-revert %s: %w", ErrExecution, inverse, err))
				return
			}
			x.logger.Debug("automation auto-revert executed",
				"automation_id", a.ID,
				"action_index", idx,
				"equipment_id", revert.EquipmentID,
				"action", inverse,
			)
		})
	if !armed {
		x.logger.Info("auto-revert suppressed, automation cancelled",
			"automation_id", a.ID,
			"action_index", idx,
		)
	}
	return nil
}

// Simulate describes every action without side effects or timers.
func (x *executor) Simulate(a *Automation, conditionsPass bool) []ActionSimulation {
	sims := make([]ActionSimulation, 0, len(a.Actions))

	for _, act := range a.Actions {
		sim := ActionSimulation{
			Type:         act.Type,
			WouldExecute: conditionsPass,
			Details:      describeAction(act),
		}

		if act.Type == ActionControl && x.state != nil {
			status, known := x.state.EquipmentStatus(act.Control.EquipmentID)
			switch {
			case !known:
				sim.Details += "; equipment state unknown"
			case status == statusOffline || status == statusError:
				sim.WouldExecute = false
				sim.Details += fmt.Sprintf("; equipment %s is %s", act.Control.EquipmentID, status)
			default:
				sim.Details += "; equipment " + status
			}
		}

		if !conditionsPass {
			sim.Details += "; skipped, conditions not met"
		}
		sims = append(sims, sim)
	}

	return sims
}

// describeAction renders a stable human-readable summary.
func describeAction(act Action) string {
	var b strings.Builder

	switch act.Type {
	case ActionAlert:
		fmt.Fprintf(&b, "raise %s alert %q", act.Alert.Severity, act.Alert.Message)
		if act.Alert.EquipmentID != "" {
			fmt.Fprintf(&b, " for equipment %s", act.Alert.EquipmentID)
		}
	case ActionLog:
		fmt.Fprintf(&b, "log %q", act.Log.Message)
	case ActionControl:
		c := act.Control
		fmt.Fprintf(&b, "%s equipment %s", c.Action, c.EquipmentID)
		if c.Channel != "" {
			fmt.Fprintf(&b, " channel %s", c.Channel)
		}
		if c.Value != nil {
			fmt.Fprintf(&b, " to %s", *c.Value)
		}
		if inverse, ok := inverseVerb(c.Action); ok && c.DurationSeconds > 0 {
			fmt.Fprintf(&b, ", %s after %ds", inverse, c.DurationSeconds)
		}
	}

	if act.DelaySeconds > 0 {
		fmt.Fprintf(&b, " (delayed %ds)", act.DelaySeconds)
	}
	return b.String()
}

// inverseVerb returns the command that undoes v for auto-revert.
func inverseVerb(v ControlVerb) (ControlVerb, bool) {
	switch v {
	case ControlOn:
		return ControlOff, true
	case ControlToggle:
		return ControlToggle, true
	case ControlOff, ControlSet:
	}
	return "", false
}

func (x *executor) deferredContext() (context.Context, context.CancelFunc) {
	base := context.Background()
	if x.detached != nil {
		base = x.detached()
	}
	return context.WithTimeout(base, actionTimeout)
}

func (x *executor) deferredFailed(automationID string, idx int, err error) {
	x.logger.Error("deferred automation action failed",
		"automation_id", automationID,
		"action_index", idx,
		"error", err,
	)
	if x.onDeferredFailure != nil {
		x.onDeferredFailure(automationID, idx, err)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
