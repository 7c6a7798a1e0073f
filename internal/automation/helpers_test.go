package automation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/database"
	"github.com/lilistrocel/sensehub-sub001/internal/testutil"
	_ "github.com/lilistrocel/sensehub-sub001/migrations" // registers the schema
)

// t0 is a Monday, 07:00 UTC.
var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// ─── Clock ──────────────────────────────────────────────────────────────────

// fakeClock adapts testutil.FakeClock to the Clock interface.
type fakeClock struct {
	*testutil.FakeClock
}

func newFakeClock(start time.Time) fakeClock {
	return fakeClock{testutil.NewFakeClock(start)}
}

func (c fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.FakeClock.AfterFunc(d, f)
}

// ─── Database ───────────────────────────────────────────────────────────────

// setupTestDB opens a migrated in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.DB
}

// ─── Mock Collaborators ─────────────────────────────────────────────────────

type mockEquipment struct {
	mu       sync.Mutex
	commands []ControlCommand
	fail     map[string]error // by equipment id

	// block, when set, holds Control until it is closed.
	block   chan struct{}
	entered chan struct{}
}

func newMockEquipment() *mockEquipment {
	return &mockEquipment{fail: make(map[string]error)}
}

func (m *mockEquipment) Control(ctx context.Context, cmd ControlCommand) (string, error) {
	if m.block != nil {
		if m.entered != nil {
			m.entered <- struct{}{}
		}
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[cmd.EquipmentID]; err != nil {
		return "", err
	}
	m.commands = append(m.commands, cmd)
	return "online", nil
}

func (m *mockEquipment) sent() []ControlCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ControlCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

type mockAlerts struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (m *mockAlerts) CreateAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *mockAlerts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

type activityEntry struct {
	automationID string
	message      string
}

type mockActivity struct {
	mu      sync.Mutex
	entries []activityEntry
}

func (m *mockActivity) Log(_ context.Context, automationID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, activityEntry{automationID, message})
	return nil
}

func (m *mockActivity) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.message
	}
	return out
}

type mockState map[string]string

func (m mockState) EquipmentStatus(id string) (string, bool) {
	s, ok := m[id]
	return s, ok
}

type runRecorder struct {
	mu        sync.Mutex
	runs      []RunLog
	runCounts []int // RunCount of the automation handed to each observation
	deferred  []error
}

func (r *runRecorder) RunCompleted(a *Automation, run *RunLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	r.runCounts = append(r.runCounts, a.RunCount)
}

func (r *runRecorder) observedRunCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.runCounts...)
}

func (r *runRecorder) DeferredActionFailed(_ string, _ int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, err)
}

func (r *runRecorder) completed() []RunLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunLog(nil), r.runs...)
}

func (r *runRecorder) deferredFailures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.deferred...)
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	ctx       context.Context
	clock     fakeClock
	repo      *SQLiteRepository
	registry  *Registry
	engine    *Engine
	equipment *mockEquipment
	alerts    *mockAlerts
	activity  *mockActivity
	state     mockState
	recorder  *runRecorder
}

type harnessOption func(*EngineConfig)

// newHarness builds a started engine over a fresh database and fake clock.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		ctx:       context.Background(),
		clock:     newFakeClock(t0),
		equipment: newMockEquipment(),
		alerts:    &mockAlerts{},
		activity:  &mockActivity{},
		state:     mockState{},
		recorder:  &runRecorder{},
	}
	h.repo = NewSQLiteRepository(setupTestDB(t))
	h.registry = NewRegistry(h.repo)
	h.registry.SetClock(h.clock)

	cfg := EngineConfig{
		Registry:   h.registry,
		Repository: h.repo,
		Equipment:  h.equipment,
		Alerts:     h.alerts,
		Activity:   h.activity,
		State:      h.state,
		Clock:      h.clock,
		Location:   time.UTC,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.engine = NewEngine(cfg)
	h.engine.AddRunObserver(h.recorder)
	h.engine.AddDeferredFailureObserver(h.recorder)
	require.NoError(t, h.engine.Start(h.ctx))
	t.Cleanup(func() {
		if err := h.engine.Stop(); err != nil && !errors.Is(err, ErrEngineNotRunning) {
			t.Errorf("Stop: %v", err)
		}
	})
	return h
}

// create stores a and returns it with defaults applied.
func (h *harness) create(t *testing.T, a *Automation) *Automation {
	t.Helper()
	require.NoError(t, h.registry.CreateAutomation(h.ctx, a))
	return a
}

func (h *harness) runs(t *testing.T, id string) []RunLog {
	t.Helper()
	runs, err := h.repo.ListRuns(h.ctx, id, 100)
	require.NoError(t, err)
	return runs
}

func (h *harness) stored(t *testing.T, id string) *Automation {
	t.Helper()
	a, err := h.repo.GetByID(h.ctx, id)
	require.NoError(t, err)
	return a
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

func manualAutomation(id string, actions ...Action) *Automation {
	if len(actions) == 0 {
		actions = []Action{logAction("ran")}
	}
	return &Automation{
		ID:      id,
		Name:    "Automation " + id,
		Enabled: true,
		Trigger: TriggerSpec{Type: TriggerManual},
		Actions: actions,
	}
}

func logAction(msg string) Action {
	return Action{Type: ActionLog, Log: &LogAction{Message: msg}}
}

func alertAction(sev Severity, msg string) Action {
	return Action{Type: ActionAlert, Alert: &AlertAction{Severity: sev, Message: msg}}
}

func controlAction(equipmentID string, verb ControlVerb, duration int) Action {
	return Action{Type: ActionControl, Control: &ControlAction{
		EquipmentID:     equipmentID,
		Action:          verb,
		DurationSeconds: duration,
	}}
}

func dailyAutomation(id, clock string) *Automation {
	a := manualAutomation(id)
	a.Trigger = TriggerSpec{Type: TriggerSchedule, Schedule: &ScheduleTrigger{Kind: ScheduleDaily, Time: clock}}
	return a
}

func thresholdAutomation(id string, op Operator, value string) *Automation {
	a := manualAutomation(id)
	a.Trigger = TriggerSpec{Type: TriggerThreshold, Threshold: &ThresholdTrigger{
		EquipmentID: "eq-1",
		SensorType:  "temperature",
		Operator:    op,
		Value:       Scalar(value),
		Unit:        "C",
	}}
	return a
}

func intPtr(v int) *int { return &v }
