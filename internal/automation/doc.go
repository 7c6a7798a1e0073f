// Package automation provides the rule engine for SenseHub.
//
// An automation reacts to time, a sensor threshold or an equipment event.
// When its trigger fires and its conditions hold, it performs an ordered
// list of alert, control and log actions. Actions may be delayed, and
// control actions may revert themselves after a duration.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                      │
//	│  Run coordinator: one active run per automation          │
//	│                                                          │
//	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐  │
//	│  │  Scheduler   │──▶│  Evaluate    │──▶│  executor    │  │
//	│  │(scheduler.go)│   │(condition.go)│   │(executor.go) │  │
//	│  └──────────────┘   └──────────────┘   └──────┬───────┘  │
//	│         │                                     │          │
//	│         ▼                                     ▼          │
//	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐  │
//	│  │   Registry   │──▶│  Repository  │   │  timerTable  │  │
//	│  │(registry.go) │   │(repository.go│   │ (timers.go)  │  │
//	│  └──────────────┘   └──────────────┘   └──────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// Run lifecycle:
//
//	Idle → Evaluating → Skipped (RunLog warning) → Idle
//	                  → Executing (RunLog success|error, stats) → Idle
//
// # Key Types
//
//   - Automation: Trigger, conditions and actions with run statistics
//   - RunLog: Append-only record of one run, created pending and finalized once
//   - SimulationReport: Dry-run result returned by Engine.Test
//   - Registry: Thread-safe cache wrapping Repository, with compiled triggers
//   - Engine: Coordinator exposing Trigger, Test, Start and Stop
//
// Equipment control, alerts, the activity log, sensor readings, equipment
// events and equipment state are reached only through the interfaces in
// collaborators.go.
//
// # Thread Safety
//
// Registry and Engine are safe for concurrent use from multiple goroutines.
// Run state is kept per automation; there is no lock across automations.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db.DB)
//	registry := automation.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	engine := automation.NewEngine(automation.EngineConfig{
//	    Registry:   registry,
//	    Repository: repo,
//	    Equipment:  controller,
//	    Alerts:     alerts,
//	    Logger:     log,
//	})
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Stop()
//
//	run, err := engine.Trigger(ctx, "night-lights")
package automation
