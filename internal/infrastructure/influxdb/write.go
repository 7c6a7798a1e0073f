package influxdb

import (
	"strconv"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
)

// Measurement names.
const (
	MeasurementRuns             = "automation_runs"
	MeasurementDeferredFailures = "automation_deferred_failures"
	MeasurementSensorReadings   = "sensor_readings"
)

// RunCompleted records one finished run. It implements automation.RunObserver.
//
// Tags: automation_id, trigger_type, status
// Fields: duration_ms, run_count, message
func (c *Client) RunCompleted(a *automation.Automation, run *automation.RunLog) {
	fields := map[string]any{
		"message": run.Message,
	}
	if run.CompletedAt != nil {
		fields["duration_ms"] = run.CompletedAt.Sub(run.TriggeredAt).Milliseconds()
	}
	if a != nil {
		fields["run_count"] = a.RunCount
	}

	c.writePoint(write.NewPoint(
		MeasurementRuns,
		map[string]string{
			"automation_id": run.AutomationID,
			"trigger_type":  string(run.TriggerType),
			"status":        string(run.Status),
		},
		fields,
		run.TriggeredAt,
	))
}

// DeferredActionFailed records a delayed or auto-revert action that failed
// after its run was finalized. It implements automation.DeferredFailureObserver.
func (c *Client) DeferredActionFailed(automationID string, actionIndex int, err error) {
	c.writePoint(write.NewPoint(
		MeasurementDeferredFailures,
		map[string]string{"automation_id": automationID},
		map[string]any{
			"action_index": actionIndex,
			"error":        err.Error(),
		},
		c.now(),
	))
}

// WriteReading records a sensor reading. Numeric values go to the "value"
// field; anything else to "value_text".
func (c *Client) WriteReading(r automation.Reading) {
	fields := map[string]any{}
	if f, err := strconv.ParseFloat(r.Value, 64); err == nil {
		fields["value"] = f
	} else {
		fields["value_text"] = r.Value
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	c.writePoint(write.NewPoint(
		MeasurementSensorReadings,
		map[string]string{
			"equipment_id": r.EquipmentID,
			"sensor_type":  r.SensorType,
		},
		fields,
		ts,
	))
}
