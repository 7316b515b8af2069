package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/lab-platform/internal/automation"
	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// ActionSchedule is answered by façades that have a Scheduler.
const ActionSchedule = "schedule"

// ActorHostPrefix marks commands the scheduler sends on an actor's behalf.
const ActorHostPrefix = "host:"

// Scheduler runs device commands later. *automation.Scheduler implements it.
type Scheduler interface {
	Schedule(job automation.Job, d automation.Dispatcher) (automation.Job, error)
	Cancel(id string) error
	Jobs(module string) []automation.Job
}

// ScheduleRequest asks for commands to run once at At or on every Cron tick.
type ScheduleRequest struct {
	At       string             `json:"at,omitempty"`
	Cron     string             `json:"cron,omitempty"`
	Commands []ScheduledCommand `json:"commands"`
}

// ScheduledCommand is one entry of ScheduleRequest.Commands.
type ScheduledCommand struct {
	DeviceID string          `json:"device_id"`
	Action   string          `json:"action"`
	Params   envelope.Params `json:"params,omitempty"`
	DelayMS  int             `json:"delay_ms,omitempty"`
	Parallel bool            `json:"parallel,omitempty"`
}

// ScheduleRequestFromParams reads a schedule request from control-topic params.
func ScheduleRequestFromParams(p envelope.Params) (ScheduleRequest, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return ScheduleRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var req ScheduleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ScheduleRequest{}, fmt.Errorf("%w: schedule: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// Schedule registers req for actor. Only passthrough actions may be
// scheduled. Reservations are checked when each command fires, so
// scheduling a command for a device someone else holds is not an error.
func (f *Facade) Schedule(actor string, req ScheduleRequest) (automation.Job, error) {
	if f.Scheduler == nil {
		return automation.Job{}, fmt.Errorf("%w: %s does not schedule commands", ErrUnsupported, f.Module)
	}
	if actor == "" {
		actor = ActorAPI
	}

	job := automation.Job{
		Module: f.Module,
		Actor:  actor,
		Cron:   strings.TrimSpace(req.Cron),
	}
	if at := strings.TrimSpace(req.At); at != "" {
		t, err := envelope.ParseTimestamp(at)
		if err != nil {
			return automation.Job{}, fmt.Errorf("%w: at: %w", ErrInvalidRequest, err)
		}
		job.At = t
	}
	for i, c := range req.Commands {
		if c.Action != "" && !f.isPassthrough(c.Action) {
			return automation.Job{}, fmt.Errorf("%w: command %d: action %q cannot be scheduled", ErrInvalidRequest, i, c.Action)
		}
		job.Steps = append(job.Steps, automation.Step{
			DeviceID: c.DeviceID,
			Action:   c.Action,
			Params:   c.Params,
			DelayMS:  c.DelayMS,
			Parallel: c.Parallel,
		})
	}

	scheduled, err := f.Scheduler.Schedule(job, f)
	if err != nil {
		if errors.Is(err, automation.ErrInvalidJob) {
			return automation.Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return automation.Job{}, err
	}
	return scheduled, nil
}

// Unschedule cancels one of this plugin's jobs. Only the actor who
// scheduled it may cancel it.
func (f *Facade) Unschedule(actor, id string) error {
	if f.Scheduler == nil {
		return fmt.Errorf("%w: %s does not schedule commands", ErrUnsupported, f.Module)
	}
	if actor == "" {
		actor = ActorAPI
	}
	jobs := f.Scheduler.Jobs(f.Module)
	idx := slices.IndexFunc(jobs, func(j automation.Job) bool { return j.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if owner := jobs[idx].Actor; owner != actor {
		return fmt.Errorf("%w: job %s belongs to %s", ErrNotOwner, id, owner)
	}
	if err := f.Scheduler.Cancel(id); err != nil {
		if errors.Is(err, automation.ErrJobNotFound) {
			return fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// ScheduledJobs lists this plugin's pending jobs.
func (f *Facade) ScheduledJobs() []automation.Job {
	if f.Scheduler == nil {
		return []automation.Job{}
	}
	return f.Scheduler.Jobs(f.Module)
}

// Dispatch implements automation.Dispatcher. The actor must still be able
// to use the device when the step fires; otherwise the step is skipped.
// The command is published without waiting for the device response and
// carries the actor as host:{actor}.
func (f *Facade) Dispatch(_ context.Context, actor string, step automation.Step) error {
	if err := f.authorize(step.DeviceID, actor); err != nil {
		if errors.Is(err, ErrReservationConflict) {
			return fmt.Errorf("%w: %w", automation.ErrNotPermitted, err)
		}
		return err
	}

	params := step.Params.Clone()
	params["device_id"] = envelope.String(step.DeviceID)
	cmd := envelope.NewCommand(ActorHostPrefix+actor, step.Action, params)

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode scheduled command: %w", err)
	}
	topic := mqtt.Topics{}.DeviceCommand(step.DeviceID, f.Module)
	if err := f.Publisher.Publish(topic, payload, 1, false); err != nil {
		return fmt.Errorf("publish scheduled %s to %s: %w", step.Action, step.DeviceID, err)
	}
	f.log().Info("scheduled command sent",
		"req_id", cmd.ReqID,
		"device_id", step.DeviceID,
		"action", step.Action,
		"actor", cmd.Actor,
	)
	return nil
}
