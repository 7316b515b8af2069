package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger is the logging interface used by the engine and scheduler.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// maxRunTime bounds a single job run, delays included.
const maxRunTime = 60 * time.Second

// Engine runs the steps of a job.
//
// Thread Safety: Run is safe for concurrent use.
type Engine struct {
	logger Logger
}

// NewEngine creates an engine. A nil logger discards output.
func NewEngine(logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{logger: logger}
}

// Run dispatches every step of job through d and reports the outcome.
//
// Step groups run one after another; steps within a group run
// concurrently. A failed or denied step never stops the rest of the job.
// Cancelling ctx skips the groups that have not started.
func (e *Engine) Run(ctx context.Context, job Job, d Dispatcher) Execution {
	ctx, cancel := context.WithTimeout(ctx, maxRunTime)
	defer cancel()

	exec := Execution{JobID: job.ID, StartedAt: time.Now().UTC()}
	e.logger.Info("job run started",
		"job_id", job.ID,
		"module", job.Module,
		"actor", job.Actor,
		"steps", len(job.Steps),
	)

	cancelled := false
	offset := 0
	for _, group := range groupSteps(job.Steps) {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			exec.Skipped += len(group)
			offset += len(group)
			continue
		}

		completed, skipped, failures := e.runGroup(ctx, job, d, offset, group)
		exec.Completed += completed
		exec.Skipped += skipped
		exec.Failed += len(failures)
		exec.Failures = append(exec.Failures, failures...)
		offset += len(group)
	}

	exec.CompletedAt = time.Now().UTC()
	switch {
	case cancelled:
		exec.Status = StatusCancelled
	case exec.Failed == 0 && exec.Skipped == 0:
		exec.Status = StatusCompleted
	case exec.Completed == 0 && exec.Failed == 0:
		exec.Status = StatusSkipped
	case exec.Completed == 0:
		exec.Status = StatusFailed
	default:
		exec.Status = StatusPartial
	}

	e.logger.Info("job run complete",
		"job_id", job.ID,
		"status", exec.Status,
		"completed", exec.Completed,
		"skipped", exec.Skipped,
		"failed", exec.Failed,
		"duration_ms", exec.CompletedAt.Sub(exec.StartedAt).Milliseconds(),
	)
	return exec
}

// runGroup dispatches the steps of one group concurrently. offset is the
// index of the group's first step within the job.
func (e *Engine) runGroup(ctx context.Context, job Job, d Dispatcher, offset int, steps []Step) (completed, skipped int, failures []StepFailure) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for i, step := range steps {
		wg.Add(1)
		go func(idx int, s Step) {
			defer wg.Done()

			err := e.runStep(ctx, job, d, s)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completed++
			case errors.Is(err, ErrNotPermitted):
				skipped++
				e.logger.Info("job step skipped",
					"job_id", job.ID,
					"device_id", s.DeviceID,
					"action", s.Action,
					"reason", err.Error(),
				)
			default:
				failures = append(failures, StepFailure{
					Index:    idx,
					DeviceID: s.DeviceID,
					Action:   s.Action,
					Error:    err.Error(),
				})
				e.logger.Warn("job step failed",
					"job_id", job.ID,
					"device_id", s.DeviceID,
					"action", s.Action,
					"error", err,
				)
			}
		}(offset+i, step)
	}

	wg.Wait()
	return completed, skipped, failures
}

func (e *Engine) runStep(ctx context.Context, job Job, d Dispatcher, step Step) error {
	if step.DelayMS > 0 {
		timer := time.NewTimer(time.Duration(step.DelayMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("step delayed: %w", ctx.Err())
		}
	}

	if err := d.Dispatch(ctx, job.Actor, step); err != nil {
		return err
	}
	e.logger.Debug("job step dispatched",
		"job_id", job.ID,
		"device_id", step.DeviceID,
		"action", step.Action,
	)
	return nil
}

// groupSteps splits steps into sequential groups based on the Parallel flag.
//
// The first step always starts a new group. Later steps with Parallel set
// join the current group; the others start a new one:
//
//	steps:  [A, B(parallel), C(parallel), D]
//	groups: [[A, B, C], [D]]
func groupSteps(steps []Step) [][]Step {
	if len(steps) == 0 {
		return nil
	}

	var groups [][]Step
	current := []Step{steps[0]}
	for _, s := range steps[1:] {
		if s.Parallel {
			current = append(current, s)
			continue
		}
		groups = append(groups, current)
		current = []Step{s}
	}
	return append(groups, current)
}
