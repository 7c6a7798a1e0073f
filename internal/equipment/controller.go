package equipment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// StatusCommanded is returned by Control when the equipment has never
// reported a status.
const StatusCommanded = "commanded"

// commandMessage is the payload on sensehub/command/{equipment_id}.
type commandMessage struct {
	ID          string `json:"id"`
	EquipmentID string `json:"equipment_id"`
	Channel     string `json:"channel,omitempty"`
	Action      string `json:"action"`
	Value       string `json:"value,omitempty"`
	Source      string `json:"source"`
	IssuedAt    string `json:"issued_at"`
}

// Controller publishes control commands to equipment drivers.
// It implements automation.EquipmentController.
type Controller struct {
	bus    Bus
	qos    byte
	states *StateCache
	logger Logger
	now    func() time.Time
}

// NewController creates a controller. states may be nil, in which case
// commands are sent without an offline check.
func NewController(bus Bus, qos byte, states *StateCache) *Controller {
	return &Controller{
		bus:    bus,
		qos:    qos,
		states: states,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger.
func (c *Controller) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Control publishes cmd and returns the equipment's last known status.
//
// Commands are fire-and-forget on the bus; the driver reports the outcome on
// the state topic. Equipment last seen offline is refused with
// ErrEquipmentOffline and equipment reporting a fault with ErrEquipmentFault,
// rather than queued.
func (c *Controller) Control(ctx context.Context, cmd automation.ControlCommand) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	status := StatusCommanded
	if c.states != nil {
		if s, ok := c.states.EquipmentStatus(cmd.EquipmentID); ok {
			switch s {
			case StatusOffline:
				return s, fmt.Errorf("%w: %s", ErrEquipmentOffline, cmd.EquipmentID)
			case StatusError:
				return s, fmt.Errorf("%w: %s", ErrEquipmentFault, cmd.EquipmentID)
			}
			status = s
		}
	}

	msg := commandMessage{
		ID:          uuid.NewString(),
		EquipmentID: cmd.EquipmentID,
		Channel:     cmd.Channel,
		Action:      string(cmd.Action),
		Value:       cmd.Value,
		Source:      cmd.Source,
		IssuedAt:    c.now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding command: %w", err)
	}

	if err := c.bus.Publish(mqtt.Topics{}.Command(cmd.EquipmentID), payload, c.qos, false); err != nil {
		return "", fmt.Errorf("sending %s to %s: %w", cmd.Action, cmd.EquipmentID, err)
	}

	c.logger.Debug("control command sent",
		"command_id", msg.ID,
		"equipment_id", cmd.EquipmentID,
		"action", cmd.Action,
		"source", cmd.Source,
	)
	return status, nil
}
