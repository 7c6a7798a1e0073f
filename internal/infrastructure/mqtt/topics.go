package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first level of every SenseHub topic.
const TopicRoot = "sensehub"

// Topics builds SenseHub MQTT topics.
//
// Layout:
//
//	sensehub/command/{equipment_id}              core → equipment
//	sensehub/alert/{severity}                    core → subscribers
//	sensehub/sensor/{equipment_id}/{sensor_type} equipment → core
//	sensehub/event/{equipment_id}/{event}        equipment → core
//	sensehub/state/{equipment_id}                equipment → core (retained)
//	sensehub/automation/{id}/run                 core → subscribers
//	sensehub/system/status                       core LWT (retained)
type Topics struct{}

// Command returns the control topic for one piece of equipment.
//
// Example: sensehub/command/pump-3
func (Topics) Command(equipmentID string) string {
	return fmt.Sprintf("%s/command/%s", TopicRoot, equipmentID)
}

// Alert returns the alert topic for a severity.
//
// Example: sensehub/alert/critical
func (Topics) Alert(severity string) string {
	return fmt.Sprintf("%s/alert/%s", TopicRoot, severity)
}

// Sensor returns the reading topic for one sensor of a piece of equipment.
//
// Example: sensehub/sensor/greenhouse-1/temperature
func (Topics) Sensor(equipmentID, sensorType string) string {
	return fmt.Sprintf("%s/sensor/%s/%s", TopicRoot, equipmentID, sensorType)
}

// Event returns the lifecycle event topic.
//
// Example: sensehub/event/door-1/door.open
func (Topics) Event(equipmentID, event string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicRoot, equipmentID, event)
}

// State returns the retained status topic for a piece of equipment.
//
// Example: sensehub/state/pump-3
func (Topics) State(equipmentID string) string {
	return fmt.Sprintf("%s/state/%s", TopicRoot, equipmentID)
}

// AutomationRun returns the topic run completions are published on.
//
// Example: sensehub/automation/frost-guard/run
func (Topics) AutomationRun(automationID string) string {
	return fmt.Sprintf("%s/automation/%s/run", TopicRoot, automationID)
}

// SystemStatus returns the core's online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicRoot + "/system/status"
}

// AllSensors matches every sensor reading.
func (Topics) AllSensors() string {
	return TopicRoot + "/sensor/+/+"
}

// AllEvents matches every equipment event.
func (Topics) AllEvents() string {
	return TopicRoot + "/event/+/+"
}

// AllStates matches every equipment status.
func (Topics) AllStates() string {
	return TopicRoot + "/state/+"
}

// ParseSensor splits a sensor topic into equipment ID and sensor type.
func ParseSensor(topic string) (equipmentID, sensorType string, ok bool) {
	return parsePair(topic, "sensor")
}

// ParseEvent splits an event topic into equipment ID and event name.
func ParseEvent(topic string) (equipmentID, event string, ok bool) {
	return parsePair(topic, "event")
}

// ParseState extracts the equipment ID from a state topic.
func ParseState(topic string) (equipmentID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicRoot || parts[1] != "state" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

func parsePair(topic, category string) (string, string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicRoot || parts[1] != category {
		return "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
