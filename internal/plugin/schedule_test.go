package plugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/lab-platform/internal/automation"
	"github.com/nerrad567/lab-platform/internal/envelope"
)

// withScheduler gives the fixture façade a running scheduler and returns
// the channel its finished runs are reported on.
func (f *fixture) withScheduler(t *testing.T) <-chan automation.Execution {
	t.Helper()
	runs := make(chan automation.Execution, 8)
	s := automation.NewScheduler(automation.WithObserver(func(e automation.Execution) { runs <- e }))
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	f.facade.Scheduler = s
	return runs
}

func waitRun(t *testing.T, runs <-chan automation.Execution) automation.Execution {
	t.Helper()
	select {
	case e := <-runs:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
		return automation.Execution{}
	}
}

func soon() string {
	return time.Now().Add(100 * time.Millisecond).UTC().Format(time.RFC3339Nano)
}

func TestSchedule_AtRunsAsHostActor(t *testing.T) {
	f := newFixture(t)
	runs := f.withScheduler(t)

	ack := f.control(t, "s-1", "alice", ActionSchedule, map[string]any{
		"at": soon(),
		"commands": []any{
			map[string]any{"device_id": "proj-01", "action": "power_on"},
			map[string]any{"device_id": "proj-01", "action": "set_input", "params": map[string]any{"input": "HDMI2"}},
		},
	})
	assert.True(t, ack.OK, ackError(ack))
	assert.Equal(t, envelope.AckScheduled, ack.Code)
	require.Len(t, f.facade.ScheduledJobs(), 1)
	assert.Empty(t, f.deviceCommands(), "nothing is sent before the job fires")

	run := waitRun(t, runs)
	assert.Equal(t, automation.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.Completed)

	sent := f.bus.Messages(topics.DeviceCommand("proj-01", "projector"))
	require.Len(t, sent, 2)
	var first, second envelope.Command
	require.NoError(t, json.Unmarshal(sent[0].Payload, &first))
	require.NoError(t, json.Unmarshal(sent[1].Payload, &second))
	assert.Equal(t, "host:alice", first.Actor)
	assert.Equal(t, "power_on", first.Action)
	assert.Equal(t, "proj-01", first.Params["device_id"].Text())
	assert.Equal(t, "set_input", second.Action)
	assert.Equal(t, "HDMI2", second.Params["input"].Text())
	assert.NotEqual(t, first.ReqID, second.ReqID)

	assert.Empty(t, f.facade.ScheduledJobs(), "one-shot job is gone after firing")
}

func TestSchedule_ReservedAtFireTimeIsSkipped(t *testing.T) {
	f := newFixture(t)
	runs := f.withScheduler(t)

	ack := f.control(t, "s-1", "alice", ActionSchedule, map[string]any{
		"at":       soon(),
		"commands": []any{map[string]any{"device_id": "proj-01", "action": "power_off"}},
	})
	require.True(t, ack.OK, ackError(ack))

	// bob takes the projector between scheduling and firing
	require.True(t, f.devices.Reserve("proj-01", "bob"))

	run := waitRun(t, runs)
	assert.Equal(t, automation.StatusSkipped, run.Status)
	assert.Equal(t, 1, run.Skipped)
	assert.Empty(t, f.deviceCommands())
}

func TestSchedule_HolderMayScheduleOwnDevice(t *testing.T) {
	f := newFixture(t)
	runs := f.withScheduler(t)
	require.True(t, f.devices.Reserve("proj-01", "alice"))

	ack := f.control(t, "s-1", "alice", ActionSchedule, map[string]any{
		"at":       soon(),
		"commands": []any{map[string]any{"device_id": "proj-01", "action": "power_off"}},
	})
	require.True(t, ack.OK, ackError(ack))

	run := waitRun(t, runs)
	assert.Equal(t, automation.StatusCompleted, run.Status)
	assert.Len(t, f.deviceCommands(), 1)
}

func TestSchedule_Cron(t *testing.T) {
	f := newFixture(t)
	f.withScheduler(t)

	ack := f.control(t, "s-1", "alice", ActionSchedule, map[string]any{
		"cron":     "0 8 * * 1-5",
		"commands": []any{map[string]any{"device_id": "proj-01", "action": "power_on"}},
	})
	require.True(t, ack.OK, ackError(ack))
	assert.Equal(t, envelope.AckScheduled, ack.Code)

	jobs := f.facade.ScheduledJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 8 * * 1-5", jobs[0].Cron)
	assert.Equal(t, "alice", jobs[0].Actor)
	assert.Equal(t, "projector", jobs[0].Module)
	assert.False(t, jobs[0].Next.IsZero())
}

func TestSchedule_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{
			name:    "no trigger",
			params:  map[string]any{"commands": []any{map[string]any{"device_id": "proj-01", "action": "power_on"}}},
			wantErr: "at or cron is required",
		},
		{
			name:    "bad at",
			params:  map[string]any{"at": "tomorrow", "commands": []any{map[string]any{"device_id": "proj-01", "action": "power_on"}}},
			wantErr: "not ISO-8601",
		},
		{
			name:    "past at",
			params:  map[string]any{"at": "2020-01-01T00:00:00Z", "commands": []any{map[string]any{"device_id": "proj-01", "action": "power_on"}}},
			wantErr: "not in the future",
		},
		{
			name:    "bad cron",
			params:  map[string]any{"cron": "sometimes", "commands": []any{map[string]any{"device_id": "proj-01", "action": "power_on"}}},
			wantErr: "cron",
		},
		{
			name:    "no commands",
			params:  map[string]any{"cron": "@hourly"},
			wantErr: "commands are required",
		},
		{
			name:    "not a passthrough action",
			params:  map[string]any{"cron": "@hourly", "commands": []any{map[string]any{"device_id": "proj-01", "action": "reserve"}}},
			wantErr: "cannot be scheduled",
		},
		{
			name:    "commands not a list",
			params:  map[string]any{"cron": "@hourly", "commands": "power_on"},
			wantErr: "schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.withScheduler(t)

			ack := f.control(t, "s-x", "alice", ActionSchedule, tt.params)
			assert.False(t, ack.OK)
			assert.Equal(t, envelope.AckError, ack.Code)
			assert.Contains(t, ackError(ack), tt.wantErr)
			assert.Empty(t, f.facade.ScheduledJobs())
		})
	}
}

func TestUnschedule(t *testing.T) {
	f := newFixture(t)
	f.withScheduler(t)

	job, err := f.facade.Schedule("alice", ScheduleRequest{
		Cron:     "@daily",
		Commands: []ScheduledCommand{{DeviceID: "proj-01", Action: "power_off"}},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.facade.Unschedule("bob", job.ID), ErrNotOwner)
	assert.ErrorIs(t, f.facade.Unschedule("alice", "no-such-job"), ErrNotFound)
	require.NoError(t, f.facade.Unschedule("alice", job.ID))
	assert.Empty(t, f.facade.ScheduledJobs())
}

func TestSchedule_WithoutScheduler(t *testing.T) {
	f := newFixture(t)

	_, err := f.facade.Schedule("alice", ScheduleRequest{Cron: "@daily"})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, f.facade.Unschedule("alice", "x"), ErrUnsupported)
	assert.Empty(t, f.facade.ScheduledJobs())
}
