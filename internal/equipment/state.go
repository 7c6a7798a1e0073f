package equipment

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// Status values reported by equipment.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// statusMessage is the payload on sensehub/state/{equipment_id}.
type statusMessage struct {
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// StateCache remembers the last status each piece of equipment reported.
// It implements automation.StateProvider.
type StateCache struct {
	bus    Bus
	qos    byte
	logger Logger

	mu       sync.RWMutex
	statuses map[string]string
}

// NewStateCache creates an empty cache. Call Start to begin listening.
func NewStateCache(bus Bus, qos byte) *StateCache {
	return &StateCache{
		bus:      bus,
		qos:      qos,
		logger:   noopLogger{},
		statuses: make(map[string]string),
	}
}

// SetLogger sets the logger.
func (s *StateCache) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Start subscribes to every equipment status topic.
// Retained messages populate the cache right after subscribing.
func (s *StateCache) Start() error {
	if err := s.bus.Subscribe(mqtt.Topics{}.AllStates(), s.qos, s.handle); err != nil {
		return fmt.Errorf("subscribing to equipment state: %w", err)
	}
	return nil
}

// Stop releases the subscription.
func (s *StateCache) Stop() error {
	return s.bus.Unsubscribe(mqtt.Topics{}.AllStates())
}

func (s *StateCache) handle(topic string, payload []byte) error {
	id, ok := mqtt.ParseState(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected state topic %q", ErrInvalidPayload, topic)
	}

	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: state for %s: %w", ErrInvalidPayload, id, err)
	}
	status := strings.ToLower(strings.TrimSpace(msg.Status))
	if status == "" {
		return fmt.Errorf("%w: state for %s has no status", ErrInvalidPayload, id)
	}

	s.Set(id, status)
	return nil
}

// Set records a status directly.
func (s *StateCache) Set(equipmentID, status string) {
	s.mu.Lock()
	prev, known := s.statuses[equipmentID]
	s.statuses[equipmentID] = status
	s.mu.Unlock()

	if !known || prev != status {
		s.logger.Debug("equipment status changed", "equipment_id", equipmentID, "status", status)
	}
}

// EquipmentStatus returns the last reported status.
func (s *StateCache) EquipmentStatus(equipmentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[equipmentID]
	return status, ok
}
