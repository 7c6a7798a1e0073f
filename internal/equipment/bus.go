package equipment

import (
	"errors"
	"sync"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// Errors returned by the equipment adapters.
var (
	// ErrEquipmentOffline is returned when a command targets equipment
	// whose last reported status is offline.
	ErrEquipmentOffline = errors.New("equipment: equipment offline")

	// ErrEquipmentFault is returned when a command targets equipment
	// whose last reported status is error.
	ErrEquipmentFault = errors.New("equipment: equipment in error state")

	// ErrAlertRateLimited is returned when the alert budget is exhausted.
	ErrAlertRateLimited = errors.New("equipment: alert rate limit exceeded")

	// ErrInvalidPayload is returned for messages that cannot be decoded.
	ErrInvalidPayload = errors.New("equipment: invalid payload")
)

// Bus is the part of the MQTT client the adapters need.
// *mqtt.Client satisfies it.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// fanout multiplexes one MQTT subscription to many in-process handlers.
// The topic is subscribed on the first handler and released with the last.
type fanout[T any] struct {
	bus    Bus
	topic  string
	qos    byte
	decode func(topic string, payload []byte) (T, error)
	logger Logger

	// subMu serialises bus calls; mu guards handlers and is the only lock
	// taken on the delivery path.
	subMu      sync.Mutex
	subscribed bool

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

func newFanout[T any](bus Bus, topic string, qos byte, decode func(string, []byte) (T, error)) *fanout[T] {
	return &fanout[T]{
		bus:      bus,
		topic:    topic,
		qos:      qos,
		decode:   decode,
		logger:   noopLogger{},
		handlers: make(map[int]func(T)),
	}
}

// setLogger must be called before the first handler is added.
func (f *fanout[T]) setLogger(logger Logger) {
	if logger != nil {
		f.logger = logger
	}
}

func (f *fanout[T]) add(handler func(T)) (func(), error) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	f.mu.Unlock()

	if !f.subscribed {
		if err := f.bus.Subscribe(f.topic, f.qos, f.deliver); err != nil {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
			return nil, err
		}
		f.subscribed = true
	}

	var once sync.Once
	return func() { once.Do(func() { f.remove(id) }) }, nil
}

func (f *fanout[T]) remove(id int) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	delete(f.handlers, id)
	empty := len(f.handlers) == 0
	f.mu.Unlock()

	if empty && f.subscribed {
		if err := f.bus.Unsubscribe(f.topic); err != nil {
			f.logger.Warn("error unsubscribing", "topic", f.topic, "error", err)
		}
		f.subscribed = false
	}
}

// deliver decodes one message and hands it to every handler.
func (f *fanout[T]) deliver(topic string, payload []byte) error {
	v, err := f.decode(topic, payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	handlers := make([]func(T), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
	return nil
}
