package automation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default polling interval for schedule triggers.
const DefaultTickInterval = time.Minute

// Firing describes why a run started. Payload entries surface in the
// condition context as trigger.<key>.
type Firing struct {
	Type    TriggerType
	At      time.Time
	Payload map[string]string
}

// dispatchFunc hands a firing to the run coordinator.
type dispatchFunc func(ctx context.Context, id string, f Firing) (*RunLog, error)

// pendingFire is one automation selected by a tick or subscription.
type pendingFire struct {
	automation *Automation
	firing     Firing
	once       bool
}

// Scheduler decides when automations should be considered for firing.
//
// Schedule triggers are polled on a fixed tick. Threshold and event triggers
// are driven by the sensor and event subscriptions. Everything selected in
// one pass is dispatched in priority order on a separate goroutine, so the
// tick loop and transport callbacks never block on a run.
type Scheduler struct {
	registry    *Registry
	repo        Repository
	clock       Clock
	loc         *time.Location
	interval    time.Duration
	defaultMode ThresholdMode
	disableOnce bool
	dispatch    dispatchFunc
	logger      Logger

	// spawn runs fn on a tracked goroutine; false once the engine stops.
	spawn func(fn func()) bool

	mu        sync.Mutex
	lastTick  time.Time
	satisfied map[string]bool   // threshold edge state by automation id
	sensors   map[string]string // latest reading by "<equipment_id>.<sensor_type>"
}

// Tick evaluates schedule triggers for now and dispatches the due
// automations synchronously. The background loop calls the same selection
// and dispatches asynchronously; tests call Tick directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.dispatchAll(ctx, s.collectDue(ctx, now))
}

// run polls schedules until ctx is cancelled.
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due := s.collectDue(ctx, s.clock.Now())
			if len(due) == 0 {
				continue
			}
			if !s.spawn(func() { s.dispatchAll(ctx, due) }) {
				return
			}
		}
	}
}

// collectDue selects schedule automations due in (previous tick, now].
func (s *Scheduler) collectDue(ctx context.Context, now time.Time) []pendingFire {
	s.mu.Lock()
	since := s.lastTick
	if since.IsZero() || since.After(now) {
		since = now.Add(-s.interval)
	}
	s.lastTick = now
	s.mu.Unlock()

	var due []pendingFire
	for _, c := range s.registry.enabledOfType(TriggerSchedule) {
		fire, err := s.scheduleDue(ctx, c, since, now)
		if err != nil {
			s.logger.Error("schedule check failed", "automation_id", c.automation.ID, "error", err)
			continue
		}
		if fire {
			due = append(due, pendingFire{
				automation: c.automation,
				firing: Firing{
					Type:    TriggerSchedule,
					At:      now,
					Payload: map[string]string{"scheduled_at": now.In(s.loc).Format(time.RFC3339)},
				},
				once: c.trigger.once,
			})
		}
	}
	return due
}

// scheduleDue reports whether a schedule occurrence falls in (since, now].
// Occurrences before the automation's last update never fire, so enabling
// or editing a schedule does not replay the past.
func (s *Scheduler) scheduleDue(ctx context.Context, c cachedAutomation, since, now time.Time) (bool, error) {
	ct := c.trigger

	if ct.once {
		if ct.runAt.After(now) {
			return false, nil
		}
		fired, err := s.repo.ScheduleFired(ctx, c.automation.ID, ct.runAt)
		if err != nil || fired {
			return false, err
		}
		// Marked before dispatch: a once schedule fires at most once per
		// run_at even if the run is then dropped or skipped.
		if err := s.repo.MarkScheduleFired(ctx, c.automation.ID, ct.runAt, now); err != nil {
			return false, err
		}
		return true, nil
	}

	from := since
	if c.automation.UpdatedAt.After(from) {
		from = c.automation.UpdatedAt
	}
	next := ct.schedule.Next(from.In(s.loc))
	return !next.IsZero() && !next.After(now), nil
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

// subscribe attaches the sensor and event handlers. Either source may be nil.
func (s *Scheduler) subscribe(ctx context.Context, sensors SensorStream, events EventBus) ([]func(), error) {
	var unsubs []func()

	if sensors != nil {
		unsub, err := sensors.SubscribeReadings(func(r Reading) {
			s.onAsync(ctx, s.matchReading(r))
		})
		if err != nil {
			return nil, fmt.Errorf("subscribing to sensor readings: %w", err)
		}
		unsubs = append(unsubs, unsub)
	}

	if events != nil {
		unsub, err := events.SubscribeEvents(func(ev EquipmentEvent) {
			s.onAsync(ctx, s.matchEvent(ev))
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("subscribing to equipment events: %w", err)
		}
		unsubs = append(unsubs, unsub)
	}

	return unsubs, nil
}

func (s *Scheduler) onAsync(ctx context.Context, batch []pendingFire) {
	if len(batch) == 0 {
		return
	}
	if !s.spawn(func() { s.dispatchAll(ctx, batch) }) {
		s.logger.Debug("engine stopping, dropping triggered automations", "count", len(batch))
	}
}

// HandleReading caches a sensor reading and synchronously dispatches the
// threshold automations it fires.
func (s *Scheduler) HandleReading(ctx context.Context, r Reading) {
	s.dispatchAll(ctx, s.matchReading(r))
}

// HandleEvent synchronously dispatches the event automations ev matches.
func (s *Scheduler) HandleEvent(ctx context.Context, ev EquipmentEvent) {
	s.dispatchAll(ctx, s.matchEvent(ev))
}

// matchReading updates the sensor cache and edge state, returning the
// threshold automations that fire. It runs on the delivering goroutine so
// edge transitions follow reading order.
func (s *Scheduler) matchReading(r Reading) []pendingFire {
	s.mu.Lock()
	s.sensors[sensorKey(r.EquipmentID, r.SensorType)] = r.Value
	s.mu.Unlock()

	var batch []pendingFire
	for _, c := range s.registry.enabledOfType(TriggerThreshold) {
		th := c.trigger.threshold
		if th.EquipmentID != r.EquipmentID || th.SensorType != r.SensorType {
			continue
		}

		ok := Compare(r.Value, th.Operator, string(th.Value))

		s.mu.Lock()
		prev := s.satisfied[c.automation.ID]
		s.satisfied[c.automation.ID] = ok
		s.mu.Unlock()

		if !ok {
			continue
		}
		if s.thresholdMode(th) == ThresholdEdge && prev {
			continue
		}

		batch = append(batch, pendingFire{
			automation: c.automation,
			firing: Firing{
				Type: TriggerThreshold,
				At:   s.clock.Now(),
				Payload: map[string]string{
					"equipment_id": r.EquipmentID,
					"sensor_type":  r.SensorType,
					"value":        r.Value,
				},
			},
		})
	}
	return batch
}

func (s *Scheduler) thresholdMode(th *ThresholdTrigger) ThresholdMode {
	if th.Mode != "" {
		return th.Mode
	}
	return s.defaultMode
}

// matchEvent returns the event automations that ev fires.
func (s *Scheduler) matchEvent(ev EquipmentEvent) []pendingFire {
	var batch []pendingFire
	for _, c := range s.registry.enabledOfType(TriggerEvent) {
		if !eventMatches(c.trigger, ev) {
			continue
		}

		payload := make(map[string]string, len(ev.Payload)+2) //nolint:mnd // event and equipment_id
		maps.Copy(payload, ev.Payload)
		payload["event"] = ev.Name
		payload["equipment_id"] = ev.EquipmentID

		batch = append(batch, pendingFire{
			automation: c.automation,
			firing:     Firing{Type: TriggerEvent, At: s.clock.Now(), Payload: payload},
		})
	}
	return batch
}

func eventMatches(ct *compiledTrigger, ev EquipmentEvent) bool {
	e := ct.event
	if e.EquipmentID != "" && e.EquipmentID != ev.EquipmentID {
		return false
	}
	if !ct.pattern.Match(ev.Name) {
		return false
	}
	for k, want := range e.Filter {
		if got, ok := ev.Payload[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

// dispatchAll hands a batch to the coordinator, highest priority first.
// A failure is logged and never stops the rest of the batch.
func (s *Scheduler) dispatchAll(ctx context.Context, batch []pendingFire) {
	sort.SliceStable(batch, func(i, j int) bool {
		return byPriority(batch[i].automation, batch[j].automation)
	})

	for _, p := range batch {
		if ctx.Err() != nil {
			return
		}

		id := p.automation.ID
		run, err := s.dispatch(ctx, id, p.firing)
		switch {
		case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrAutomationDisabled):
			s.logger.Debug("automation fire dropped", "automation_id", id, "trigger", p.firing.Type, "reason", err)
		case err != nil:
			s.logger.Warn("automation fire failed", "automation_id", id, "trigger", p.firing.Type, "error", err)
		default:
			s.logger.Debug("automation fired", "automation_id", id, "trigger", p.firing.Type, "status", run.Status)
		}

		if p.once && s.disableOnce {
			if _, disErr := s.registry.setEnabled(ctx, id, false, false); disErr != nil {
				s.logger.Warn("disabling fired once schedule failed", "automation_id", id, "error", disErr)
			}
		}
	}
}

// forget drops per-automation trigger state after an update or delete.
func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.satisfied, id)
	s.mu.Unlock()
}

// sensorValues returns a copy of the reading cache.
func (s *Scheduler) sensorValues() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.sensors)
}

func (s *Scheduler) sensorValue(equipmentID, sensorType string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sensors[sensorKey(equipmentID, sensorType)]
	return v, ok
}

func sensorKey(equipmentID, sensorType string) string {
	return equipmentID + "." + sensorType
}

// ─── Preview ────────────────────────────────────────────────────────────────

// preview describes whether a's trigger would fire, without side effects.
func (s *Scheduler) preview(ctx context.Context, a *Automation, ct *compiledTrigger, now time.Time) TriggerReport {
	rep := TriggerReport{Type: a.Trigger.Type}

	switch ct.kind {
	case TriggerManual:
		rep.WouldFire = true
		rep.Details = "fires only on manual invocation"

	case TriggerSchedule:
		rep.WouldFire, rep.Details = s.previewSchedule(ctx, a, ct, now)

	case TriggerThreshold:
		th := ct.threshold
		value, ok := s.sensorValue(th.EquipmentID, th.SensorType)
		if !ok {
			rep.Details = fmt.Sprintf("no reading yet for %s %s; fires when %s %s %s%s",
				th.EquipmentID, th.SensorType, th.SensorType, th.Operator, th.Value, th.Unit)
			break
		}
		rep.WouldFire = Compare(value, th.Operator, string(th.Value))
		rep.Details = fmt.Sprintf("latest %s on %s is %s; %s %s %s%s is %t (%s mode)",
			th.SensorType, th.EquipmentID, value, value, th.Operator, th.Value, th.Unit,
			rep.WouldFire, s.thresholdMode(th))

	case TriggerEvent:
		rep.WouldFire = true
		rep.Details = describeEvent(ct.event)
	}

	if !a.Enabled {
		rep.WouldFire = false
		rep.Details = "automation is disabled; " + rep.Details
	}
	return rep
}

func (s *Scheduler) previewSchedule(ctx context.Context, a *Automation, ct *compiledTrigger, now time.Time) (bool, string) {
	st := a.Trigger.Schedule

	if ct.once {
		runAt := ct.runAt.In(s.loc).Format(time.RFC3339)
		fired, err := s.repo.ScheduleFired(ctx, a.ID, ct.runAt)
		switch {
		case err != nil:
			return false, fmt.Sprintf("once at %s; schedule state unavailable: %v", runAt, err)
		case fired:
			return false, fmt.Sprintf("once at %s; already fired", runAt)
		case ct.runAt.After(now):
			return true, fmt.Sprintf("once at %s", runAt)
		default:
			return true, fmt.Sprintf("once at %s; due on the next tick", runAt)
		}
	}

	var when string
	switch st.Kind {
	case ScheduleDaily:
		when = "daily at " + st.Time
	case ScheduleWeekly:
		when = fmt.Sprintf("weekly on %s at %s", time.Weekday(*st.DayOfWeek), st.Time)
	case ScheduleHourly:
		when = fmt.Sprintf("hourly at minute %d", *st.Minute)
	case ScheduleCustom:
		when = "cron " + st.CronExpr
	case ScheduleOnce:
	}

	next := ct.schedule.Next(now.In(s.loc))
	if next.IsZero() {
		return false, when + "; no upcoming occurrence"
	}
	return true, fmt.Sprintf("%s (%s); next at %s", when, s.loc, next.Format(time.RFC3339))
}

func describeEvent(e *EventTrigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fires on events matching %q", e.Event)
	if e.EquipmentID != "" {
		fmt.Fprintf(&b, " from equipment %s", e.EquipmentID)
	}
	if len(e.Filter) > 0 {
		keys := slices.Sorted(maps.Keys(e.Filter))
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + e.Filter[k]
		}
		fmt.Fprintf(&b, " with %s", strings.Join(pairs, ", "))
	}
	return b.String()
}
