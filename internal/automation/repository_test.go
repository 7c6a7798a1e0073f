package automation

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testAutomation creates a stored-shape automation with defaults applied.
func testAutomation(id, name string) *Automation {
	a := manualAutomation(id, controlAction("lamp-1", ControlOn, 30), alertAction(SeverityWarning, "lamp on"))
	a.Name = name
	a.Conditions = []Condition{{Field: "time.hour", Operator: OpGte, Value: "18"}}
	ApplyDefaults(a)
	return a
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	desc := "Evening lamp with auto-off"
	a := testAutomation("auto-01", "Evening Lamp")
	a.Description = &desc
	a.Priority = 80

	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}

	got, err := repo.GetByID(ctx, "auto-01")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	if got.Name != "Evening Lamp" {
		t.Errorf("Name = %q, want %q", got.Name, "Evening Lamp")
	}
	if got.Description == nil || *got.Description != desc {
		t.Errorf("Description = %v, want %q", got.Description, desc)
	}
	if got.Priority != 80 {
		t.Errorf("Priority = %d, want 80", got.Priority)
	}
	if !got.Enabled {
		t.Error("Enabled = false, want true")
	}
	if got.ConditionLogic != LogicAnd {
		t.Errorf("ConditionLogic = %q, want AND", got.ConditionLogic)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Value != "18" {
		t.Errorf("Conditions = %+v", got.Conditions)
	}
	if len(got.Actions) != 2 {
		t.Fatalf("len(Actions) = %d, want 2", len(got.Actions))
	}
	if c := got.Actions[0].Control; c == nil || c.EquipmentID != "lamp-1" || c.DurationSeconds != 30 {
		t.Errorf("Actions[0].Control = %+v", c)
	}
	if got.LastRun != nil || got.LastStatus != nil || got.RunCount != 0 {
		t.Errorf("run stats = %d/%v/%v, want empty", got.RunCount, got.LastRun, got.LastStatus)
	}
	if !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, a.CreatedAt)
	}

	t.Run("duplicate ID", func(t *testing.T) {
		err := repo.Create(ctx, testAutomation("auto-01", "Duplicate"))
		if !errors.Is(err, ErrAutomationExists) {
			t.Errorf("Create() error = %v, want ErrAutomationExists", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "missing")
		if !errors.Is(err, ErrAutomationNotFound) {
			t.Errorf("GetByID() error = %v, want ErrAutomationNotFound", err)
		}
	})
}

func TestSQLiteRepository_TriggerRoundTrip(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	runAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	triggers := map[string]TriggerSpec{
		"weekly":    {Type: TriggerSchedule, Schedule: &ScheduleTrigger{Kind: ScheduleWeekly, Time: "08:00", DayOfWeek: intPtr(0)}},
		"once":      {Type: TriggerSchedule, Schedule: &ScheduleTrigger{Kind: ScheduleOnce, RunAt: &runAt}},
		"threshold": thresholdAutomation("x", OpGte, "30.5").Trigger,
		"event":     {Type: TriggerEvent, Event: &EventTrigger{EquipmentID: "door-1", Event: "door.*", Filter: map[string]string{"zone": "a"}}},
	}

	for id, trig := range triggers {
		a := testAutomation(id, id)
		a.Trigger = trig
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}

		got, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", id, err)
		}
		if err := ValidateAutomation(got); err != nil {
			t.Errorf("%s: stored automation no longer validates: %v", id, err)
		}
	}

	got, _ := repo.GetByID(ctx, "once")
	if !got.Trigger.Schedule.RunAt.Equal(runAt) {
		t.Errorf("RunAt = %v, want %v", got.Trigger.Schedule.RunAt, runAt)
	}
	got, _ = repo.GetByID(ctx, "threshold")
	if got.Trigger.Threshold.Value != "30.5" {
		t.Errorf("threshold value = %q, want 30.5", got.Trigger.Threshold.Value)
	}
	got, _ = repo.GetByID(ctx, "event")
	if got.Trigger.Event.Filter["zone"] != "a" {
		t.Errorf("event filter = %v", got.Trigger.Event.Filter)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{{"b", 50}, {"a", 50}, {"c", 90}} {
		a := testAutomation(tc.id, tc.id)
		a.Priority = tc.priority
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := []string{"c", "a", "b"}
	if len(list) != len(want) {
		t.Fatalf("len(List) = %d, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("List[%d].ID = %q, want %q", i, list[i].ID, id)
		}
	}
}

func TestSQLiteRepository_UpdateKeepsStats(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	a := testAutomation("auto-01", "Before")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ranAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if err := repo.RecordRunStats(ctx, "auto-01", ranAt, RunSuccess); err != nil {
		t.Fatalf("RecordRunStats: %v", err)
	}

	a.Name = "After"
	a.Enabled = false
	a.RunCount = 0
	a.UpdatedAt = time.Time{}
	if err := repo.Update(ctx, a); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := repo.GetByID(ctx, "auto-01")
	if got.Name != "After" || got.Enabled {
		t.Errorf("got name=%q enabled=%v, want After/false", got.Name, got.Enabled)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.LastRun == nil || !got.LastRun.Equal(ranAt) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, ranAt)
	}
	if got.LastStatus == nil || *got.LastStatus != RunSuccess {
		t.Errorf("LastStatus = %v, want success", got.LastStatus)
	}

	missing := testAutomation("missing", "x")
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrAutomationNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrAutomationNotFound", err)
	}
	if err := repo.RecordRunStats(ctx, "missing", ranAt, RunSuccess); !errors.Is(err, ErrAutomationNotFound) {
		t.Errorf("RecordRunStats(missing) error = %v, want ErrAutomationNotFound", err)
	}
}

func TestSQLiteRepository_Runs(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testAutomation("auto-01", "Lamp")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i := range 3 {
		run := &RunLog{
			ID:           GenerateID(),
			AutomationID: "auto-01",
			TriggerType:  TriggerSchedule,
			TriggeredAt:  base.Add(time.Duration(i) * 500 * time.Millisecond),
			Status:       RunPending,
		}
		if err := repo.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := repo.ListRuns(ctx, "auto-01", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	if !runs[0].TriggeredAt.After(runs[1].TriggeredAt) {
		t.Errorf("runs not newest first: %v then %v", runs[0].TriggeredAt, runs[1].TriggeredAt)
	}

	t.Run("finalize once", func(t *testing.T) {
		run := runs[0]
		done := base.Add(time.Minute)
		run.CompletedAt = &done
		run.Status = RunSuccess
		run.Message = "1 actions: 1 executed"

		if err := repo.FinalizeRun(ctx, &run); err != nil {
			t.Fatalf("FinalizeRun: %v", err)
		}

		run.Status = RunError
		if err := repo.FinalizeRun(ctx, &run); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("second FinalizeRun error = %v, want ErrRunNotFound", err)
		}

		got, _ := repo.ListRuns(ctx, "auto-01", 1)
		if len(got) != 1 || got[0].Status != RunSuccess || got[0].Message != "1 actions: 1 executed" {
			t.Errorf("finalized run = %+v", got)
		}
		if got[0].CompletedAt == nil || !got[0].CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got[0].CompletedAt, done)
		}
	})

	t.Run("unknown automation", func(t *testing.T) {
		err := repo.CreateRun(ctx, &RunLog{ID: GenerateID(), AutomationID: "missing", TriggeredAt: base, Status: RunPending})
		if !errors.Is(err, ErrAutomationNotFound) {
			t.Errorf("CreateRun error = %v, want ErrAutomationNotFound", err)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		if err := repo.Delete(ctx, "auto-01"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, err := repo.ListRuns(ctx, "auto-01", 10)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("len(runs) after delete = %d, want 0", len(got))
		}
		if err := repo.Delete(ctx, "auto-01"); !errors.Is(err, ErrAutomationNotFound) {
			t.Errorf("second Delete error = %v, want ErrAutomationNotFound", err)
		}
	})
}

func TestSQLiteRepository_ScheduleState(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testAutomation("auto-01", "Once")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	runAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	fired, err := repo.ScheduleFired(ctx, "auto-01", runAt)
	if err != nil || fired {
		t.Fatalf("ScheduleFired() = %v, %v; want false, nil", fired, err)
	}

	if err := repo.MarkScheduleFired(ctx, "auto-01", runAt, runAt.Add(time.Second)); err != nil {
		t.Fatalf("MarkScheduleFired: %v", err)
	}
	if fired, _ := repo.ScheduleFired(ctx, "auto-01", runAt); !fired {
		t.Error("ScheduleFired() = false after mark, want true")
	}

	// A new run_at is a new occurrence.
	next := runAt.Add(24 * time.Hour)
	if fired, _ := repo.ScheduleFired(ctx, "auto-01", next); fired {
		t.Error("ScheduleFired(next) = true, want false")
	}
	if err := repo.MarkScheduleFired(ctx, "auto-01", next, next); err != nil {
		t.Fatalf("MarkScheduleFired(next): %v", err)
	}
	if fired, _ := repo.ScheduleFired(ctx, "auto-01", next); !fired {
		t.Error("ScheduleFired(next) = false after mark, want true")
	}

	if err := repo.MarkScheduleFired(ctx, "missing", runAt, runAt); !errors.Is(err, ErrAutomationNotFound) {
		t.Errorf("MarkScheduleFired(missing) error = %v, want ErrAutomationNotFound", err)
	}
}
