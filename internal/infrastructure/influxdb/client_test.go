package influxdb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/config"
)

// fakeWriter captures points as line protocol.
type fakeWriter struct {
	mu      sync.Mutex
	lines   []string
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, write.PointToLineProtocol(p, time.Nanosecond))
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

type fakeServer struct {
	healthy bool
	err     error
	closed  bool
}

func (s *fakeServer) Ping(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.healthy, s.err
}

func (s *fakeServer) Close() { s.closed = true }

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestClient() (*Client, *fakeWriter, *fakeServer) {
	w := &fakeWriter{}
	s := &fakeServer{healthy: true}
	c := newClient(s, w)
	c.now = func() time.Time { return t0 }
	return c, w, s
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestRunCompleted(t *testing.T) {
	c, w, _ := newTestClient()

	completed := t0.Add(1500 * time.Millisecond)
	c.RunCompleted(
		&automation.Automation{ID: "frost", RunCount: 7},
		&automation.RunLog{
			ID:           "run-1",
			AutomationID: "frost",
			TriggerType:  automation.TriggerSchedule,
			TriggeredAt:  t0,
			CompletedAt:  &completed,
			Status:       automation.RunSuccess,
			Message:      "1 actions: 1 executed",
		},
	)

	lines := w.written()
	if len(lines) != 1 {
		t.Fatalf("points = %d, want 1", len(lines))
	}
	line := lines[0]
	for _, want := range []string{
		"automation_runs,automation_id=frost,status=success,trigger_type=schedule ",
		"duration_ms=1500i",
		"run_count=7i",
		`message="1 actions: 1 executed"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), " 1772438400000000000") {
		t.Errorf("line %q not stamped with triggered_at", line)
	}
}

func TestDeferredActionFailed(t *testing.T) {
	c, w, _ := newTestClient()

	c.DeferredActionFailed("frost", 2, errors.New("pump offline"))

	lines := w.written()
	if len(lines) != 1 {
		t.Fatalf("points = %d, want 1", len(lines))
	}
	if !strings.HasPrefix(lines[0], "automation_deferred_failures,automation_id=frost ") {
		t.Errorf("line = %q", lines[0])
	}
	if !strings.Contains(lines[0], "action_index=2i") || !strings.Contains(lines[0], `error="pump offline"`) {
		t.Errorf("line = %q", lines[0])
	}
}

func TestWriteReading(t *testing.T) {
	c, w, _ := newTestClient()

	c.WriteReading(automation.Reading{EquipmentID: "gh-1", SensorType: "temperature", Value: "21.5", Timestamp: t0})
	c.WriteReading(automation.Reading{EquipmentID: "door-1", SensorType: "state", Value: "open"})

	lines := w.written()
	if len(lines) != 2 {
		t.Fatalf("points = %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "sensor_readings,equipment_id=gh-1,sensor_type=temperature value=21.5 ") {
		t.Errorf("numeric line = %q", lines[0])
	}
	if !strings.Contains(lines[1], `value_text="open"`) {
		t.Errorf("text line = %q", lines[1])
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[1]), " 1772438400000000000") {
		t.Errorf("missing timestamp should default to now: %q", lines[1])
	}
}

func TestClose(t *testing.T) {
	c, w, s := newTestClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !s.closed || w.flushes != 1 {
		t.Errorf("closed = %v, flushes = %d, want true/1", s.closed, w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	c.WriteReading(automation.Reading{EquipmentID: "x", SensorType: "y", Value: "1"})
	c.Flush()
	if len(w.written()) != 0 || w.flushes != 1 {
		t.Error("writes after Close must be dropped")
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c, _, s := newTestClient()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	s.healthy = false
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on unhealthy server = nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v, want context.Canceled", err)
	}
}

func TestWriteErrorsCallback(t *testing.T) {
	c, _, _ := newTestClient()

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("bucket missing")
	close(errs)
	c.handleWriteErrors(errs)

	select {
	case err := <-got:
		if err.Error() != "bucket missing" {
			t.Errorf("callback got %v", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}
