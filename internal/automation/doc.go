// Package automation runs scheduled device commands for orchestrator plugins.
//
// A Job is an ordered list of Steps owned by the actor who scheduled it.
// It fires once at a fixed time or repeatedly on a cron expression. When a
// job fires, the Engine runs its steps through a Dispatcher, normally the
// plugin façade that accepted the job.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────┐
//	│               Scheduler (scheduler.go)               │
//	│  cron entries, one per job; one-shot jobs removed    │
//	│  after they fire                                     │
//	│        │                                             │
//	│        ▼                                             │
//	│  ┌────────────────────────────────────────────┐      │
//	│  │  Engine (engine.go)                        │      │
//	│  │  1. Group steps by parallel flag           │      │
//	│  │  2. Per step: delay, then Dispatch         │      │
//	│  │  3. Denied steps are skipped, not failed   │      │
//	│  │  4. Report an Execution                    │      │
//	│  └────────────────────────────────────────────┘      │
//	└──────────────────────────────────────────────────────┘
//
// Reservations are checked when a step fires, not when the job is
// scheduled. A Dispatcher reports a step the actor may not run by wrapping
// ErrNotPermitted; the engine counts it as skipped and moves on.
//
// # Usage
//
//	sched := automation.NewScheduler(automation.WithLogger(log))
//	sched.Start()
//	defer sched.Stop(ctx)
//
//	job, err := sched.Schedule(automation.Job{
//	    Module: "projector",
//	    Actor:  "alice",
//	    Cron:   "0 8 * * 1-5",
//	    Steps:  []automation.Step{{DeviceID: "proj-01", Action: "power_on"}},
//	}, facade)
package automation
