package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
)

// recorder is a Dispatcher that records steps and answers from a table.
type recorder struct {
	mu     sync.Mutex
	steps  []Step
	actors []string
	deny   map[string]bool // device IDs the actor may not use
	fail   map[string]bool // device IDs whose dispatch fails
}

func (r *recorder) Dispatch(_ context.Context, actor string, step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deny[step.DeviceID] {
		return fmt.Errorf("%w: %s is held by bob", ErrNotPermitted, step.DeviceID)
	}
	if r.fail[step.DeviceID] {
		return errors.New("publish failed")
	}
	r.steps = append(r.steps, step)
	r.actors = append(r.actors, actor)
	return nil
}

func (r *recorder) dispatched() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Step(nil), r.steps...)
}

func TestGroupSteps(t *testing.T) {
	steps := []Step{
		{DeviceID: "a"},
		{DeviceID: "b", Parallel: true},
		{DeviceID: "c", Parallel: true},
		{DeviceID: "d"},
		{DeviceID: "e"},
	}
	groups := groupSteps(steps)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if len(groups[0]) != 3 || len(groups[1]) != 1 || len(groups[2]) != 1 {
		t.Errorf("group sizes = %d/%d/%d, want 3/1/1", len(groups[0]), len(groups[1]), len(groups[2]))
	}
	if groupSteps(nil) != nil {
		t.Error("no steps should give no groups")
	}
}

func TestEngineRun_Completed(t *testing.T) {
	r := &recorder{}
	job := Job{
		ID:    "job-1",
		Actor: "alice",
		Steps: []Step{
			{DeviceID: "proj-01", Action: "power_on"},
			{DeviceID: "proj-01", Action: "set_input", Params: envelope.Params{"input": envelope.String("HDMI2")}},
		},
	}

	exec := NewEngine(nil).Run(context.Background(), job, r)

	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if exec.Completed != 2 || exec.Failed != 0 || exec.Skipped != 0 {
		t.Errorf("counts = %d/%d/%d, want 2/0/0", exec.Completed, exec.Failed, exec.Skipped)
	}
	got := r.dispatched()
	if len(got) != 2 || got[0].Action != "power_on" || got[1].Action != "set_input" {
		t.Fatalf("dispatched = %+v, want power_on then set_input", got)
	}
	if r.actors[0] != "alice" {
		t.Errorf("actor = %q, want alice", r.actors[0])
	}
}

func TestEngineRun_DeniedStepsAreSkipped(t *testing.T) {
	r := &recorder{deny: map[string]bool{"proj-02": true}}
	job := Job{ID: "job-2", Actor: "alice", Steps: []Step{
		{DeviceID: "proj-01", Action: "power_off"},
		{DeviceID: "proj-02", Action: "power_off"},
	}}

	exec := NewEngine(nil).Run(context.Background(), job, r)

	if exec.Status != StatusPartial {
		t.Errorf("status = %s, want partial", exec.Status)
	}
	if exec.Completed != 1 || exec.Skipped != 1 || exec.Failed != 0 {
		t.Errorf("counts = %d/%d/%d, want 1 completed, 1 skipped", exec.Completed, exec.Skipped, exec.Failed)
	}
	if len(exec.Failures) != 0 {
		t.Errorf("denied step recorded as failure: %+v", exec.Failures)
	}
}

func TestEngineRun_Statuses(t *testing.T) {
	tests := []struct {
		name string
		r    *recorder
		want Status
	}{
		{"all denied", &recorder{deny: map[string]bool{"x": true}}, StatusSkipped},
		{"all failed", &recorder{fail: map[string]bool{"x": true}}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Job{ID: "j", Actor: "alice", Steps: []Step{{DeviceID: "x", Action: "power_on"}}}
			exec := NewEngine(nil).Run(context.Background(), job, tt.r)
			if exec.Status != tt.want {
				t.Errorf("status = %s, want %s", exec.Status, tt.want)
			}
		})
	}
}

func TestEngineRun_FailureKeepsGoing(t *testing.T) {
	r := &recorder{fail: map[string]bool{"proj-01": true}}
	job := Job{ID: "job-3", Actor: "alice", Steps: []Step{
		{DeviceID: "proj-01", Action: "power_on"},
		{DeviceID: "proj-02", Action: "power_on"},
	}}

	exec := NewEngine(nil).Run(context.Background(), job, r)

	if exec.Failed != 1 || exec.Completed != 1 {
		t.Fatalf("counts = %d failed, %d completed, want 1/1", exec.Failed, exec.Completed)
	}
	f := exec.Failures[0]
	if f.Index != 0 || f.DeviceID != "proj-01" || f.Error != "publish failed" {
		t.Errorf("failure = %+v", f)
	}
}

func TestEngineRun_DelayAndCancel(t *testing.T) {
	r := &recorder{}
	job := Job{ID: "job-4", Actor: "alice", Steps: []Step{
		{DeviceID: "proj-01", Action: "power_on"},
		{DeviceID: "proj-01", Action: "power_off", DelayMS: 5000},
		{DeviceID: "proj-01", Action: "set_input"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	exec := NewEngine(nil).Run(ctx, job, r)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %v; delay should stop on cancel", elapsed)
	}
	if exec.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", exec.Status)
	}
	if exec.Completed != 1 || exec.Failed != 1 || exec.Skipped != 1 {
		t.Errorf("counts = %d/%d/%d, want 1 completed, 1 failed, 1 skipped",
			exec.Completed, exec.Failed, exec.Skipped)
	}
}

func TestJobValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	step := []Step{{DeviceID: "proj-01", Action: "power_on"}}

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"future at", Job{Actor: "a", At: now.Add(time.Hour), Steps: step}, false},
		{"cron", Job{Actor: "a", Cron: "0 8 * * 1-5", Steps: step}, false},
		{"descriptor", Job{Actor: "a", Cron: "@every 10m", Steps: step}, false},
		{"no actor", Job{At: now.Add(time.Hour), Steps: step}, true},
		{"no trigger", Job{Actor: "a", Steps: step}, true},
		{"both triggers", Job{Actor: "a", At: now.Add(time.Hour), Cron: "@hourly", Steps: step}, true},
		{"past at", Job{Actor: "a", At: now.Add(-time.Second), Steps: step}, true},
		{"bad cron", Job{Actor: "a", Cron: "every tuesday", Steps: step}, true},
		{"no steps", Job{Actor: "a", Cron: "@hourly"}, true},
		{"step without device", Job{Actor: "a", Cron: "@hourly", Steps: []Step{{Action: "power_on"}}}, true},
		{"step without action", Job{Actor: "a", Cron: "@hourly", Steps: []Step{{DeviceID: "p"}}}, true},
		{"negative delay", Job{Actor: "a", Cron: "@hourly", Steps: []Step{{DeviceID: "p", Action: "x", DelayMS: -1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate(now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidJob) {
				t.Errorf("error %v does not wrap ErrInvalidJob", err)
			}
		})
	}
}
