package equipment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// readingMessage is the JSON form of a sensor reading. Bare values
// ("21.5") are accepted too.
type readingMessage struct {
	Value     automation.Scalar `json:"value"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

// SensorStream delivers readings from sensehub/sensor/{equipment_id}/{sensor_type}.
// It implements automation.SensorStream.
type SensorStream struct {
	fan *fanout[automation.Reading]
	now func() time.Time
}

// NewSensorStream creates a stream over bus. Nothing is subscribed until
// the first handler registers.
func NewSensorStream(bus Bus, qos byte) *SensorStream {
	s := &SensorStream{now: time.Now}
	s.fan = newFanout(bus, mqtt.Topics{}.AllSensors(), qos, s.decode)
	return s
}

// SetLogger sets the logger for subscription housekeeping.
func (s *SensorStream) SetLogger(logger Logger) {
	s.fan.setLogger(logger)
}

// SubscribeReadings registers handler for every reading.
func (s *SensorStream) SubscribeReadings(handler func(automation.Reading)) (func(), error) {
	unsub, err := s.fan.add(handler)
	if err != nil {
		return nil, fmt.Errorf("subscribing to sensor readings: %w", err)
	}
	return unsub, nil
}

func (s *SensorStream) decode(topic string, payload []byte) (automation.Reading, error) {
	eq, sensor, ok := mqtt.ParseSensor(topic)
	if !ok {
		return automation.Reading{}, fmt.Errorf("%w: unexpected sensor topic %q", ErrInvalidPayload, topic)
	}

	r := automation.Reading{EquipmentID: eq, SensorType: sensor}
	trimmed := bytes.TrimSpace(payload)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg readingMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return automation.Reading{}, fmt.Errorf("%w: reading on %s: %w", ErrInvalidPayload, topic, err)
		}
		r.Value = msg.Value.String()
		if msg.Timestamp != nil {
			r.Timestamp = *msg.Timestamp
		}
	} else {
		r.Value = string(bytes.Trim(trimmed, `"`))
	}

	if r.Value == "" {
		return automation.Reading{}, fmt.Errorf("%w: empty reading on %s", ErrInvalidPayload, topic)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	return r, nil
}

// EventBus delivers lifecycle events from sensehub/event/{equipment_id}/{event}.
// It implements automation.EventBus.
type EventBus struct {
	fan *fanout[automation.EquipmentEvent]
}

// NewEventBus creates an event bus over bus.
func NewEventBus(bus Bus, qos byte) *EventBus {
	e := &EventBus{}
	e.fan = newFanout(bus, mqtt.Topics{}.AllEvents(), qos, decodeEvent)
	return e
}

// SetLogger sets the logger for subscription housekeeping.
func (e *EventBus) SetLogger(logger Logger) {
	e.fan.setLogger(logger)
}

// SubscribeEvents registers handler for every event.
func (e *EventBus) SubscribeEvents(handler func(automation.EquipmentEvent)) (func(), error) {
	unsub, err := e.fan.add(handler)
	if err != nil {
		return nil, fmt.Errorf("subscribing to equipment events: %w", err)
	}
	return unsub, nil
}

// decodeEvent flattens a JSON object payload into string values so event
// filters and conditions can compare them. An empty payload is allowed.
func decodeEvent(topic string, payload []byte) (automation.EquipmentEvent, error) {
	eq, name, ok := mqtt.ParseEvent(topic)
	if !ok {
		return automation.EquipmentEvent{}, fmt.Errorf("%w: unexpected event topic %q", ErrInvalidPayload, topic)
	}
	ev := automation.EquipmentEvent{EquipmentID: eq, Name: name, Payload: map[string]string{}}

	if len(bytes.TrimSpace(payload)) == 0 {
		return ev, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return automation.EquipmentEvent{}, fmt.Errorf("%w: event %s on %s: %w", ErrInvalidPayload, name, eq, err)
	}
	for k, v := range raw {
		var s automation.Scalar
		if err := json.Unmarshal(v, &s); err != nil {
			// Nested objects and arrays are kept verbatim.
			ev.Payload[k] = string(v)
			continue
		}
		ev.Payload[k] = s.String()
	}
	return ev, nil
}
