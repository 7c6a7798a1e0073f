package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RunPhase is where an automation sits in its run cycle.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseEvaluating RunPhase = "evaluating"
	PhaseExecuting  RunPhase = "executing"
)

// maxRunTime bounds the immediate part of a run. Deferred actions have
// their own per-action timeout.
const maxRunTime = 60 * time.Second

// EngineConfig wires the engine to its collaborators.
// Registry and Repository are required; everything else may be nil.
type EngineConfig struct {
	Registry   *Registry
	Repository Repository

	Equipment EquipmentController
	Alerts    AlertSink
	Activity  ActivityLogger
	State     StateProvider
	Sensors   SensorStream
	Events    EventBus

	Logger Logger
	Clock  Clock

	// Location is the site timezone for schedules and time.* fields.
	Location *time.Location

	TickInterval         time.Duration
	DefaultThresholdMode ThresholdMode
	DisableOnceAfterFire bool
}

// runSlot is the per-automation run state. Its mutex is never held
// across a run, only while changing phase.
type runSlot struct {
	mu    sync.Mutex
	phase RunPhase
}

func (s *runSlot) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return false
	}
	s.phase = PhaseEvaluating
	return true
}

func (s *runSlot) set(p RunPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *runSlot) get() RunPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Engine coordinates trigger, condition and action for every automation.
//
// It enforces one active run per automation, records a RunLog for every
// run that passes the enabled check, keeps run statistics, and notifies
// observers. Test produces a SimulationReport through the same evaluation
// path without touching any of that state.
//
// Thread Safety: Trigger, Test and the scheduler may run concurrently.
type Engine struct {
	registry *Registry
	repo     Repository
	exec     *executor
	sched    *Scheduler
	timers   *timerTable
	state    StateProvider
	sensors  SensorStream
	events   EventBus
	clock    Clock
	loc      *time.Location
	logger   Logger

	slots sync.Map // automation id -> *runSlot
	epoch atomic.Uint64

	observersMu       sync.RWMutex
	runObservers      []RunObserver
	deferredObservers []DeferredFailureObserver

	// lifecycle
	mu       sync.Mutex
	running  bool
	baseCtx  context.Context //nolint:containedctx // detached context for deferred actions
	cancel   context.CancelFunc
	stopTick context.CancelFunc
	unsubs   []func()
	inflight sync.WaitGroup
}

// NewEngine creates an automation engine. It registers itself with the
// registry so updates, disables and deletes cancel pending timers.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	mode := cfg.DefaultThresholdMode
	if mode == "" {
		mode = ThresholdEdge
	}

	e := &Engine{
		registry: cfg.Registry,
		repo:     cfg.Repository,
		timers:   newTimerTable(clock),
		state:    cfg.State,
		sensors:  cfg.Sensors,
		events:   cfg.Events,
		clock:    clock,
		loc:      loc,
		logger:   logger,
		baseCtx:  context.Background(),
	}

	e.exec = &executor{
		equipment:         cfg.Equipment,
		alerts:            cfg.Alerts,
		activity:          cfg.Activity,
		state:             cfg.State,
		timers:            e.timers,
		logger:            logger,
		detached:          e.detachedContext,
		onDeferredFailure: e.notifyDeferredFailure,
	}

	e.sched = &Scheduler{
		registry:    cfg.Registry,
		repo:        cfg.Repository,
		clock:       clock,
		loc:         loc,
		interval:    interval,
		defaultMode: mode,
		disableOnce: cfg.DisableOnceAfterFire,
		dispatch:    e.fire,
		logger:      logger,
		spawn:       e.spawn,
		satisfied:   make(map[string]bool),
		sensors:     make(map[string]string),
	}

	cfg.Registry.OnChange(e.cancelAutomation)
	return e
}

// Scheduler exposes the trigger scheduler, mainly for driving ticks in tests.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// AddRunObserver registers an observer for finalized runs.
func (e *Engine) AddRunObserver(o RunObserver) {
	e.observersMu.Lock()
	e.runObservers = append(e.runObservers, o)
	e.observersMu.Unlock()
}

// AddDeferredFailureObserver registers an observer for failed deferred actions.
func (e *Engine) AddDeferredFailureObserver(o DeferredFailureObserver) {
	e.observersMu.Lock()
	e.deferredObservers = append(e.deferredObservers, o)
	e.observersMu.Unlock()
}

// Start subscribes to sensor readings and equipment events and starts the
// schedule ticker. Deferred actions run under a context derived from ctx,
// so they outlive the request that started their run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrEngineRunning
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubs, err := e.sched.subscribe(base, e.sensors, e.events)
	if err != nil {
		cancel()
		return err
	}

	tickCtx, stopTick := context.WithCancel(base)

	e.baseCtx = base
	e.cancel = cancel
	e.stopTick = stopTick
	e.unsubs = unsubs
	e.running = true

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.sched.run(tickCtx)
	}()

	e.logger.Info("automation engine started",
		"tick_interval", e.sched.interval,
		"timezone", e.loc.String(),
		"automations", e.registry.GetAutomationCount(),
	)
	return nil
}

// Stop cancels subscriptions, the ticker and all pending timers, then waits
// for in-flight runs to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	unsubs := e.unsubs
	e.unsubs = nil
	cancel := e.cancel
	stopTick := e.stopTick
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	stopTick()
	cancelled := e.timers.CancelAll()

	e.inflight.Wait()
	cancel()

	e.logger.Info("automation engine stopped", "timers_cancelled", cancelled)
	return nil
}

// spawn runs fn on a tracked goroutine unless the engine is stopping.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		fn()
	}()
	return true
}

// enter registers a run with the in-flight group. It fails once Stop began.
func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.inflight.Add(1)
	return true
}

func (e *Engine) detachedContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

// Trigger fires an automation manually and returns its finalized RunLog.
//
// Parameters:
//   - ctx: Context for cancellation of the immediate actions
//   - id: The automation to fire
//
// Returns:
//   - *RunLog: The finalized run (status success, error or warning)
//   - error: nil on a recorded run, or:
//   - ErrAutomationNotFound if the automation doesn't exist
//   - ErrAutomationDisabled if it is disabled (no run is recorded)
//   - ErrRunInProgress if a run is already active (the fire is dropped)
//   - ErrEngineNotRunning if the engine is not started
func (e *Engine) Trigger(ctx context.Context, id string) (*RunLog, error) {
	return e.fire(ctx, id, Firing{Type: TriggerManual, At: e.clock.Now()})
}

// Phase reports the current run phase of an automation.
func (e *Engine) Phase(id string) RunPhase {
	if s, ok := e.slots.Load(id); ok {
		return s.(*runSlot).get() //nolint:forcetypeassert // only *runSlot is stored
	}
	return PhaseIdle
}

// PendingTimers returns the number of armed delay and revert timers.
func (e *Engine) PendingTimers(id string) int {
	return e.timers.Pending(id)
}

func (e *Engine) slot(id string) *runSlot {
	if s, ok := e.slots.Load(id); ok {
		return s.(*runSlot) //nolint:forcetypeassert // only *runSlot is stored
	}
	s, _ := e.slots.LoadOrStore(id, &runSlot{phase: PhaseIdle})
	return s.(*runSlot) //nolint:forcetypeassert // only *runSlot is stored
}

// fire runs one automation through Evaluating and, when the conditions
// pass, Executing.
func (e *Engine) fire(ctx context.Context, id string, f Firing) (*RunLog, error) { //nolint:gocognit // run state machine
	if !e.enter() {
		return nil, ErrEngineNotRunning
	}
	defer e.inflight.Done()

	a, _, ok := e.registry.snapshot(id)
	if !ok {
		return nil, ErrAutomationNotFound
	}
	if !a.Enabled {
		return nil, ErrAutomationDisabled
	}

	slot := e.slot(id)
	if !slot.begin() {
		e.logger.Debug("automation fire dropped, run in progress", "automation_id", id, "trigger", f.Type)
		return nil, ErrRunInProgress
	}
	defer slot.set(PhaseIdle)

	ctx, cancel := context.WithTimeout(ctx, maxRunTime)
	defer cancel()
	// Bookkeeping survives a caller that gives up mid-run.
	bookCtx := context.WithoutCancel(ctx)

	gen := e.timers.Generation(id)
	epoch := e.epoch.Add(1)
	now := e.clock.Now()

	run := &RunLog{
		ID:           GenerateID(),
		AutomationID: id,
		TriggerType:  f.Type,
		TriggeredAt:  now.UTC(),
		Status:       RunPending,
	}
	if err := e.repo.CreateRun(bookCtx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	e.logger.Info("automation run started",
		"automation_id", id,
		"name", a.Name,
		"run_id", run.ID,
		"trigger", f.Type,
	)

	pass, results := EvaluateDetailed(a.Conditions, e.evalContext(now, f, a.Conditions), a.ConditionLogic)
	for _, r := range results {
		if r.Err != nil {
			e.logger.Debug("condition not evaluable", "automation_id", id, "run_id", run.ID, "error", r.Err)
		}
	}

	if !pass {
		run.Status = RunWarning
		run.Message = gateMessage(a.ConditionLogic, results)
		e.finalize(bookCtx, a, run, false)
		return run, nil
	}

	slot.set(PhaseExecuting)
	outcomes := e.exec.Execute(ctx, a, epoch, gen)
	run.Status, run.Message = summarizeOutcomes(outcomes)
	e.finalize(bookCtx, a, run, true)
	return run, nil
}

// finalize completes the RunLog, updates statistics for executed runs and
// notifies observers. Persistence failures are logged; the run already
// happened.
func (e *Engine) finalize(ctx context.Context, a *Automation, run *RunLog, executed bool) {
	completed := e.clock.Now().UTC()
	run.CompletedAt = &completed

	if err := e.repo.FinalizeRun(ctx, run); err != nil {
		e.logger.Error("failed to finalize run record", "automation_id", a.ID, "run_id", run.ID, "error", err)
	}

	if executed {
		if err := e.registry.RecordRun(ctx, a.ID, completed, run.Status); err != nil {
			e.logger.Error("failed to record run statistics", "automation_id", a.ID, "error", err)
		} else if cur, _, ok := e.registry.snapshot(a.ID); ok {
			a.RunCount = cur.RunCount
			a.LastRun = cur.LastRun
			a.LastStatus = cur.LastStatus
		}
	}

	e.logger.Info("automation run complete",
		"automation_id", a.ID,
		"run_id", run.ID,
		"status", run.Status,
		"message", run.Message,
		"duration_ms", completed.Sub(run.TriggeredAt).Milliseconds(),
	)

	e.observersMu.RLock()
	observers := e.runObservers
	e.observersMu.RUnlock()

	for _, o := range observers {
		o.RunCompleted(a, run)
	}
}

// summarizeOutcomes derives the run status from the immediate actions.
func summarizeOutcomes(outcomes []ActionOutcome) (RunStatus, string) {
	var executed, deferred, suppressed int
	var failures []string

	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failures = append(failures, o.Err.Error())
		case o.Suppressed:
			suppressed++
		case o.Deferred:
			deferred++
		default:
			executed++
		}
	}

	parts := []string{fmt.Sprintf("%d executed", executed)}
	if deferred > 0 {
		parts = append(parts, fmt.Sprintf("%d deferred", deferred))
	}
	if suppressed > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", suppressed))
	}
	msg := fmt.Sprintf("%d actions: %s", len(outcomes), strings.Join(parts, ", "))

	if len(failures) > 0 {
		return RunError, fmt.Sprintf("%s, %d failed: %s", msg, len(failures), strings.Join(failures, "; "))
	}
	return RunSuccess, msg
}

// Test simulates a manual fire of an automation.
//
// It evaluates the trigger, conditions and actions against the live
// context and reports what would happen. It does not take the run slot,
// record a run, change statistics or arm timers, so it works while a run
// is in progress and on disabled automations.
//
// Returns:
//   - *SimulationReport: The dry-run report
//   - error: ErrAutomationNotFound if the automation doesn't exist
func (e *Engine) Test(ctx context.Context, id string) (*SimulationReport, error) {
	a, ct, ok := e.registry.snapshot(id)
	if !ok {
		return nil, ErrAutomationNotFound
	}

	now := e.clock.Now()
	f := Firing{Type: TriggerManual, At: now}

	pass, conditions := EvaluateDetailed(a.Conditions, e.evalContext(now, f, a.Conditions), a.ConditionLogic)
	actions := e.exec.Simulate(a, pass)

	return &SimulationReport{
		AutomationID: a.ID,
		Trigger:      e.sched.preview(ctx, a, ct, now),
		Conditions:   conditions,
		Actions:      actions,
		Summary:      summarize(a.ConditionLogic, conditions, actions),
	}, nil
}

// evalContext builds the condition context for one firing.
func (e *Engine) evalContext(now time.Time, f Firing, conditions []Condition) EvalContext {
	local := now.In(e.loc)

	ctx := EvalContext{
		"time.hour":    strconv.Itoa(local.Hour()),
		"time.minute":  strconv.Itoa(local.Minute()),
		"time.weekday": strconv.Itoa(int(local.Weekday())),
		"time.date":    local.Format(time.DateOnly),
		"trigger.type": string(f.Type),
	}
	for k, v := range f.Payload {
		ctx["trigger."+k] = v
	}
	for k, v := range e.sched.sensorValues() {
		ctx["sensor."+k] = v
	}

	// Equipment status is looked up only for fields the conditions name.
	if e.state != nil {
		for _, c := range conditions {
			id, ok := equipmentStatusField(c.Field)
			if !ok {
				continue
			}
			if status, known := e.state.EquipmentStatus(id); known {
				ctx[c.Field] = status
			}
		}
	}
	return ctx
}

// equipmentStatusField extracts the id from "equipment.<id>.status".
func equipmentStatusField(field string) (string, bool) {
	rest, ok := strings.CutPrefix(field, "equipment.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".status")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// cancelAutomation stops pending timers and invalidates the generation so
// an in-flight action list schedules nothing more. Deleted automations
// also lose their run slot and timer entry.
func (e *Engine) cancelAutomation(id string) {
	var n int
	if _, _, exists := e.registry.snapshot(id); exists {
		n = e.timers.Cancel(id)
	} else {
		n = e.timers.Remove(id)
		e.slots.Delete(id)
	}
	e.sched.forget(id)
	if n > 0 {
		e.logger.Info("automation timers cancelled", "automation_id", id, "count", n)
	}
}

func (e *Engine) notifyDeferredFailure(automationID string, actionIndex int, err error) {
	e.observersMu.RLock()
	observers := e.deferredObservers
	e.observersMu.RUnlock()

	for _, o := range observers {
		o.DeferredActionFailed(automationID, actionIndex, err)
	}
}
