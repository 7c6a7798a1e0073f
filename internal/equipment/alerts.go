package equipment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// alertMessage is the payload on sensehub/alert/{severity}.
type alertMessage struct {
	ID           string `json:"id"`
	Severity     string `json:"severity"`
	Message      string `json:"message"`
	EquipmentID  string `json:"equipment_id,omitempty"`
	AutomationID string `json:"automation_id,omitempty"`
	RaisedAt     string `json:"raised_at"`
}

// AlertSink publishes alerts to the bus under a token-bucket budget so a
// flapping rule cannot flood subscribers. It implements automation.AlertSink.
type AlertSink struct {
	bus     Bus
	qos     byte
	limiter *rate.Limiter
	logger  Logger
	now     func() time.Time
}

// NewAlertSink creates a sink allowing perMinute alerts per minute with a
// burst of the same size. perMinute <= 0 disables the limit.
func NewAlertSink(bus Bus, qos byte, perMinute int) *AlertSink {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &AlertSink{
		bus:     bus,
		qos:     qos,
		limiter: limiter,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger.
func (s *AlertSink) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// CreateAlert publishes alert, or returns ErrAlertRateLimited when the
// budget is spent.
func (s *AlertSink) CreateAlert(ctx context.Context, alert automation.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.limiter.AllowN(s.now(), 1) {
		s.logger.Warn("alert dropped by rate limit",
			"automation_id", alert.AutomationID,
			"severity", alert.Severity,
		)
		return ErrAlertRateLimited
	}

	payload, err := json.Marshal(alertMessage{
		ID:           uuid.NewString(),
		Severity:     string(alert.Severity),
		Message:      alert.Message,
		EquipmentID:  alert.EquipmentID,
		AutomationID: alert.AutomationID,
		RaisedAt:     s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	if err := s.bus.Publish(mqtt.Topics{}.Alert(string(alert.Severity)), payload, s.qos, false); err != nil {
		return fmt.Errorf("publishing %s alert: %w", alert.Severity, err)
	}
	return nil
}
