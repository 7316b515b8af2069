package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/lab-platform/internal/envelope"
)

// Step is one device command within a job.
//
// Steps run in order. A step with Parallel set runs concurrently with the
// previous step's group; otherwise it starts a new sequential group.
type Step struct {
	DeviceID string          `json:"device_id"`
	Action   string          `json:"action"`
	Params   envelope.Params `json:"params,omitempty"`

	// Delay before dispatch, in milliseconds.
	DelayMS int `json:"delay_ms,omitempty"`

	Parallel bool `json:"parallel,omitempty"`
}

// Job is a list of steps run once at At, or on every Cron tick.
// Exactly one of At and Cron is set.
type Job struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Actor  string `json:"actor"`

	At   time.Time `json:"at,omitzero"`
	Cron string    `json:"cron,omitempty"`

	Steps []Step `json:"steps"`

	CreatedAt time.Time `json:"created_at"`

	// Next is the next fire time. Filled in by Scheduler.Jobs.
	Next time.Time `json:"next,omitzero"`
}

// OneShot reports whether the job fires only once.
func (j Job) OneShot() bool { return j.Cron == "" }

// cronParser accepts the standard five fields and descriptors such as
// @hourly or @every 10m.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalidJob, expr, err)
	}
	return s, nil
}

// Validate checks a job before it is scheduled. One-shot jobs must lie in
// the future relative to now.
func (j Job) Validate(now time.Time) error {
	if strings.TrimSpace(j.Actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidJob)
	}
	switch {
	case j.At.IsZero() && j.Cron == "":
		return fmt.Errorf("%w: at or cron is required", ErrInvalidJob)
	case !j.At.IsZero() && j.Cron != "":
		return fmt.Errorf("%w: at and cron are exclusive", ErrInvalidJob)
	case j.Cron != "":
		if _, err := ParseCron(j.Cron); err != nil {
			return err
		}
	case !j.At.After(now):
		return fmt.Errorf("%w: at %s is not in the future", ErrInvalidJob, j.At.Format(time.RFC3339))
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("%w: commands are required", ErrInvalidJob)
	}
	for i, s := range j.Steps {
		if s.DeviceID == "" {
			return fmt.Errorf("%w: command %d: device_id is required", ErrInvalidJob, i)
		}
		if s.Action == "" {
			return fmt.Errorf("%w: command %d: action is required", ErrInvalidJob, i)
		}
		if s.DelayMS < 0 {
			return fmt.Errorf("%w: command %d: delay_ms must not be negative", ErrInvalidJob, i)
		}
	}
	return nil
}

// Dispatcher sends one step's command on behalf of actor.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor string, step Step) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, actor string, step Step) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, actor string, step Step) error {
	return f(ctx, actor, step)
}

// Status is the outcome of one job run.
type Status string

// Run statuses.
const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// StepFailure records a step that was not dispatched.
type StepFailure struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	Error    string `json:"error"`
}

// Execution reports one run of a job.
type Execution struct {
	JobID       string        `json:"job_id"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Completed   int           `json:"completed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Failures    []StepFailure `json:"failures,omitempty"`
}
