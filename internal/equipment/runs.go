package equipment

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// runMessage is the payload on sensehub/automation/{id}/run.
type runMessage struct {
	RunID        string `json:"run_id"`
	AutomationID string `json:"automation_id"`
	Name         string `json:"name"`
	TriggerType  string `json:"trigger_type"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	TriggeredAt  string `json:"triggered_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	RunCount     int    `json:"run_count"`
}

// RunPublisher announces finished runs on the bus.
// It implements automation.RunObserver; publishing happens off the run
// goroutine so a slow broker never delays the engine.
type RunPublisher struct {
	bus    Bus
	qos    byte
	logger Logger
	wg     sync.WaitGroup
}

// NewRunPublisher creates a publisher.
func NewRunPublisher(bus Bus, qos byte) *RunPublisher {
	return &RunPublisher{bus: bus, qos: qos, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (p *RunPublisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// RunCompleted implements automation.RunObserver.
func (p *RunPublisher) RunCompleted(a *automation.Automation, run *automation.RunLog) {
	msg := runMessage{
		RunID:        run.ID,
		AutomationID: run.AutomationID,
		TriggerType:  string(run.TriggerType),
		Status:       string(run.Status),
		Message:      run.Message,
		TriggeredAt:  run.TriggeredAt.UTC().Format(time.RFC3339Nano),
	}
	if a != nil {
		msg.Name = a.Name
		msg.RunCount = a.RunCount
	}
	if run.CompletedAt != nil {
		msg.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encoding run message", "run_id", run.ID, "error", err)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.bus.Publish(mqtt.Topics{}.AutomationRun(run.AutomationID), payload, p.qos, false); err != nil {
			p.logger.Warn("publishing run completion failed",
				"automation_id", run.AutomationID,
				"run_id", run.ID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every pending publish has finished.
func (p *RunPublisher) Wait() {
	p.wg.Wait()
}
