package equipment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// ─── Fake bus ───────────────────────────────────────────────────────────────

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeBus struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]mqtt.MessageHandler
	subscribes   int
	unsubscribes int
	publishErr     error
	subscribeErr   error
	unsubscribeErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic, payload, qos, retained})
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.subscribes++
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes++
	delete(b.handlers, topic)
	return b.unsubscribeErr
}

// emit delivers a message to every subscription whose filter matches topic.
func (b *fakeBus) emit(topic, payload string) []error {
	b.mu.Lock()
	var targets []mqtt.MessageHandler
	for filter, h := range b.handlers {
		if topicMatches(filter, topic) {
			targets = append(targets, h)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(topic, []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *fakeBus) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) || (part != "+" && part != t[i]) {
			return false
		}
	}
	return len(f) == len(t)
}

// recordingLogger keeps warn and error messages.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}

func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) logged() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// ─── StateCache ─────────────────────────────────────────────────────────────

func TestStateCache(t *testing.T) {
	bus := newFakeBus()
	cache := NewStateCache(bus, 1)
	require.NoError(t, cache.Start())

	_, known := cache.EquipmentStatus("pump-1")
	assert.False(t, known)

	assert.Empty(t, bus.emit("sensehub/state/pump-1", `{"status":"Online"}`))
	status, known := cache.EquipmentStatus("pump-1")
	assert.True(t, known)
	assert.Equal(t, StatusOnline, status, "statuses are normalised to lower case")

	bus.emit("sensehub/state/pump-1", `{"status":"offline"}`)
	status, _ = cache.EquipmentStatus("pump-1")
	assert.Equal(t, StatusOffline, status)

	errs := bus.emit("sensehub/state/pump-2", `not json`)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidPayload)

	errs = bus.emit("sensehub/state/pump-2", `{"status":""}`)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidPayload)

	require.NoError(t, cache.Stop())
	assert.Equal(t, 1, bus.unsubscribes)
}

// ─── Controller ─────────────────────────────────────────────────────────────

func TestController_Control(t *testing.T) {
	bus := newFakeBus()
	states := NewStateCache(bus, 1)
	ctrl := NewController(bus, 1, states)
	ctrl.now = func() time.Time { return testNow }

	status, err := ctrl.Control(context.Background(), automation.ControlCommand{
		EquipmentID: "pump-1",
		Channel:     "relay-2",
		Action:      automation.ControlOn,
		Source:      "automation:frost",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommanded, status, "unknown equipment")

	sent := bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sensehub/command/pump-1", sent[0].topic)
	assert.False(t, sent[0].retained, "commands are never retained")

	var msg commandMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "pump-1", msg.EquipmentID)
	assert.Equal(t, "relay-2", msg.Channel)
	assert.Equal(t, "on", msg.Action)
	assert.Equal(t, "automation:frost", msg.Source)
	assert.Equal(t, "2026-03-02T08:00:00Z", msg.IssuedAt)

	states.Set("pump-1", StatusOnline)
	status, err = ctrl.Control(context.Background(), automation.ControlCommand{EquipmentID: "pump-1", Action: automation.ControlOff})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, status)
}

func TestController_Refusals(t *testing.T) {
	bus := newFakeBus()
	states := NewStateCache(bus, 1)
	ctrl := NewController(bus, 1, states)

	states.Set("pump-1", StatusOffline)
	status, err := ctrl.Control(context.Background(), automation.ControlCommand{EquipmentID: "pump-1", Action: automation.ControlOn})
	assert.ErrorIs(t, err, ErrEquipmentOffline)
	assert.Equal(t, StatusOffline, status)

	states.Set("pump-3", StatusError)
	status, err = ctrl.Control(context.Background(), automation.ControlCommand{EquipmentID: "pump-3", Action: automation.ControlOn})
	assert.ErrorIs(t, err, ErrEquipmentFault)
	assert.Equal(t, StatusError, status)

	bus.publishErr = mqtt.ErrNotConnected
	_, err = ctrl.Control(context.Background(), automation.ControlCommand{EquipmentID: "pump-2", Action: automation.ControlOn})
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ctrl.Control(ctx, automation.ControlCommand{EquipmentID: "pump-2", Action: automation.ControlOn})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, bus.sent())
}

// ─── AlertSink ──────────────────────────────────────────────────────────────

func TestAlertSink_Publishes(t *testing.T) {
	bus := newFakeBus()
	sink := NewAlertSink(bus, 1, 0)

	err := sink.CreateAlert(context.Background(), automation.Alert{
		Severity:     automation.SeverityCritical,
		Message:      "greenhouse too hot",
		EquipmentID:  "gh-1",
		AutomationID: "heat",
	})
	require.NoError(t, err)

	sent := bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sensehub/alert/critical", sent[0].topic)

	var msg alertMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
	assert.Equal(t, "greenhouse too hot", msg.Message)
	assert.Equal(t, "heat", msg.AutomationID)
}

func TestAlertSink_RateLimit(t *testing.T) {
	bus := newFakeBus()
	sink := NewAlertSink(bus, 1, 2)
	now := testNow
	sink.now = func() time.Time { return now }

	alert := automation.Alert{Severity: automation.SeverityWarning, Message: "flap"}
	ctx := context.Background()

	require.NoError(t, sink.CreateAlert(ctx, alert))
	require.NoError(t, sink.CreateAlert(ctx, alert))
	assert.ErrorIs(t, sink.CreateAlert(ctx, alert), ErrAlertRateLimited, "burst of 2 spent")

	now = now.Add(30 * time.Second)
	assert.NoError(t, sink.CreateAlert(ctx, alert), "one token refills every 30s")
	assert.Len(t, bus.sent(), 3)
}

// ─── SensorStream ───────────────────────────────────────────────────────────

func TestSensorStream_Decode(t *testing.T) {
	bus := newFakeBus()
	stream := NewSensorStream(bus, 1)
	stream.now = func() time.Time { return testNow }

	var mu sync.Mutex
	var got []automation.Reading
	unsub, err := stream.SubscribeReadings(func(r automation.Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	assert.Empty(t, bus.emit("sensehub/sensor/gh-1/temperature", `{"value": 31.5, "timestamp": "2026-03-02T07:59:00Z"}`))
	assert.Empty(t, bus.emit("sensehub/sensor/gh-1/humidity", `62`))
	assert.Empty(t, bus.emit("sensehub/sensor/door-1/state", `"open"`))

	errs := bus.emit("sensehub/sensor/gh-1/temperature", `{"value": }`)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidPayload)

	errs = bus.emit("sensehub/sensor/gh-1/temperature", ``)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidPayload)

	require.Len(t, got, 3)
	assert.Equal(t, automation.Reading{
		EquipmentID: "gh-1",
		SensorType:  "temperature",
		Value:       "31.5",
		Timestamp:   time.Date(2026, 3, 2, 7, 59, 0, 0, time.UTC),
	}, got[0])
	assert.Equal(t, "62", got[1].Value)
	assert.True(t, got[1].Timestamp.Equal(testNow), "missing timestamp uses receive time")
	assert.Equal(t, "open", got[2].Value)
}

func TestSensorStream_SharesSubscription(t *testing.T) {
	bus := newFakeBus()
	stream := NewSensorStream(bus, 1)

	var a, b int
	unsubA, err := stream.SubscribeReadings(func(automation.Reading) { a++ })
	require.NoError(t, err)
	unsubB, err := stream.SubscribeReadings(func(automation.Reading) { b++ })
	require.NoError(t, err)
	assert.Equal(t, 1, bus.subscribes, "one broker subscription for all handlers")

	bus.emit("sensehub/sensor/x/y", "1")
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	unsubA()
	unsubA()
	assert.Equal(t, 0, bus.unsubscribes, "still one handler left")

	bus.emit("sensehub/sensor/x/y", "2")
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	unsubB()
	assert.Equal(t, 1, bus.unsubscribes)
}

func TestSensorStream_UnsubscribeErrorIsLogged(t *testing.T) {
	bus := newFakeBus()
	bus.unsubscribeErr = mqtt.ErrNotConnected
	log := &recordingLogger{}
	stream := NewSensorStream(bus, 1)
	stream.SetLogger(log)

	unsub, err := stream.SubscribeReadings(func(automation.Reading) {})
	require.NoError(t, err)
	unsub()

	assert.Equal(t, 1, bus.unsubscribes)
	assert.Equal(t, []string{"error unsubscribing"}, log.logged())

	bus.unsubscribeErr = nil
	_, err = stream.SubscribeReadings(func(automation.Reading) {})
	require.NoError(t, err)
	assert.Equal(t, 2, bus.subscribes, "a failed release still allows resubscribing")
}

func TestSensorStream_SubscribeError(t *testing.T) {
	bus := newFakeBus()
	bus.subscribeErr = mqtt.ErrNotConnected
	stream := NewSensorStream(bus, 1)

	_, err := stream.SubscribeReadings(func(automation.Reading) {})
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)

	bus.subscribeErr = nil
	_, err = stream.SubscribeReadings(func(automation.Reading) {})
	require.NoError(t, err, "a later subscribe retries the broker")
	assert.Equal(t, 1, bus.subscribes)
}

// ─── EventBus ───────────────────────────────────────────────────────────────

func TestEventBus_Decode(t *testing.T) {
	bus := newFakeBus()
	events := NewEventBus(bus, 1)

	var got []automation.EquipmentEvent
	unsub, err := events.SubscribeEvents(func(ev automation.EquipmentEvent) { got = append(got, ev) })
	require.NoError(t, err)
	defer unsub()

	assert.Empty(t, bus.emit("sensehub/event/door-1/door.open", `{"zone":"a","count":3,"forced":false,"meta":{"x":1}}`))
	assert.Empty(t, bus.emit("sensehub/event/pump-1/fault", ``))

	errs := bus.emit("sensehub/event/door-1/door.open", `[1,2]`)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrInvalidPayload))

	require.Len(t, got, 2)
	assert.Equal(t, "door-1", got[0].EquipmentID)
	assert.Equal(t, "door.open", got[0].Name)
	assert.Equal(t, map[string]string{
		"zone":   "a",
		"count":  "3",
		"forced": "false",
		"meta":   `{"x":1}`,
	}, got[0].Payload)

	assert.Equal(t, "fault", got[1].Name)
	assert.Empty(t, got[1].Payload)
}

// ─── RunPublisher ───────────────────────────────────────────────────────────

func TestRunPublisher(t *testing.T) {
	bus := newFakeBus()
	pub := NewRunPublisher(bus, 1)

	completed := testNow.Add(time.Second)
	pub.RunCompleted(
		&automation.Automation{ID: "frost", Name: "Frost guard", RunCount: 4},
		&automation.RunLog{
			ID:           "run-1",
			AutomationID: "frost",
			TriggerType:  automation.TriggerSchedule,
			TriggeredAt:  testNow,
			CompletedAt:  &completed,
			Status:       automation.RunSuccess,
			Message:      "1 actions: 1 executed",
		},
	)
	pub.Wait()

	sent := bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sensehub/automation/frost/run", sent[0].topic)

	var msg runMessage
	require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
	assert.Equal(t, runMessage{
		RunID:        "run-1",
		AutomationID: "frost",
		Name:         "Frost guard",
		TriggerType:  "schedule",
		Status:       "success",
		Message:      "1 actions: 1 executed",
		TriggeredAt:  "2026-03-02T08:00:00Z",
		CompletedAt:  "2026-03-02T08:00:01Z",
		RunCount:     4,
	}, msg)
}

func TestRunPublisher_PublishFailureIsLogged(t *testing.T) {
	bus := newFakeBus()
	bus.publishErr = mqtt.ErrNotConnected
	log := &recordingLogger{}
	pub := NewRunPublisher(bus, 1)
	pub.SetLogger(log)

	pub.RunCompleted(&automation.Automation{ID: "a"}, &automation.RunLog{ID: "r", AutomationID: "a", TriggeredAt: testNow})
	pub.Wait()

	assert.Empty(t, bus.sent())
	assert.Equal(t, []string{"publishing run completion failed"}, log.logged())
}
