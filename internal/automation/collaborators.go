package automation

import (
	"context"
	"time"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ControlCommand is what a control action asks of the equipment layer.
type ControlCommand struct {
	EquipmentID string
	Channel     string
	Action      ControlVerb
	Value       string

	// Source identifies the originator, e.g. "automation:<id>".
	Source string
}

// EquipmentController drives field equipment.
type EquipmentController interface {
	// Control sends a command and returns the resulting equipment status.
	Control(ctx context.Context, cmd ControlCommand) (string, error)
}

// Alert is an operator-facing notification raised by an alert action.
type Alert struct {
	Severity     Severity
	Message      string
	EquipmentID  string
	AutomationID string
}

// AlertSink receives alerts.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert Alert) error
}

// ActivityLogger appends entries to the operator activity log.
type ActivityLogger interface {
	Log(ctx context.Context, automationID, message string) error
}

// StateProvider reports the last known status of equipment
// ("online", "offline", "error", ...).
type StateProvider interface {
	EquipmentStatus(equipmentID string) (status string, known bool)
}

// Reading is one sensor sample.
type Reading struct {
	EquipmentID string
	SensorType  string
	Value       string
	Timestamp   time.Time
}

// SensorStream delivers sensor readings. Handlers may be called
// concurrently from the transport's goroutines.
type SensorStream interface {
	SubscribeReadings(handler func(Reading)) (unsubscribe func(), err error)
}

// EquipmentEvent is a lifecycle event such as "door.open" or "fault".
type EquipmentEvent struct {
	EquipmentID string
	Name        string
	Payload     map[string]string
}

// EventBus delivers equipment lifecycle events.
type EventBus interface {
	SubscribeEvents(handler func(EquipmentEvent)) (unsubscribe func(), err error)
}

// RunObserver is notified after every finalized run.
// Implementations must not block; they run on the run goroutine.
type RunObserver interface {
	RunCompleted(a *Automation, run *RunLog)
}

// DeferredFailureObserver is notified when a delayed or auto-revert action
// fails after its run was already finalized.
type DeferredFailureObserver interface {
	DeferredActionFailed(automationID string, actionIndex int, err error)
}
