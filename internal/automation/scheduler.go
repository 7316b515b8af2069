package automation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Scheduler fires jobs on their schedule and runs them through an Engine.
//
// Thread Safety: all methods are safe for concurrent use.
type Scheduler struct {
	cron     *cron.Cron
	engine   *Engine
	logger   Logger
	observer func(Execution)
	now      func() time.Time
	loc      *time.Location

	// ctx is the parent of every job run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*scheduled
	stopped bool
}

type scheduled struct {
	job        Job
	entry      cron.EntryID
	dispatcher Dispatcher
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler and engine logger.
func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the time zone cron expressions are evaluated in.
// The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithObserver registers a callback for every finished run.
func WithObserver(fn func(Execution)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// NewScheduler creates a scheduler. Call Start to begin firing jobs.
func NewScheduler(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger: noopLogger{},
		loc:    time.UTC,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.engine = NewEngine(s.logger)
	return s
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing jobs, cancels running ones and waits for them until
// ctx expires. Scheduled jobs are dropped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.jobs = make(map[string]*scheduled)
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// Schedule validates job, assigns it an ID and arranges for d to run its
// steps when it fires. The returned job carries the ID and next fire time.
func (s *Scheduler) Schedule(job Job, d Dispatcher) (Job, error) {
	if d == nil {
		return Job{}, fmt.Errorf("%w: dispatcher is required", ErrInvalidJob)
	}
	now := s.now().In(s.loc)
	if err := job.Validate(now); err != nil {
		return Job{}, err
	}

	var schedule cron.Schedule = onceSchedule{at: job.At}
	if !job.OneShot() {
		parsed, err := ParseCron(job.Cron)
		if err != nil {
			return Job{}, err
		}
		schedule = parsed
	}

	job.ID = uuid.NewString()
	job.CreatedAt = now.UTC()
	job.Steps = slices.Clone(job.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, ErrStopped
	}
	id := job.ID
	entry := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	s.jobs[id] = &scheduled{job: job, entry: entry, dispatcher: d}
	job.Next = schedule.Next(now)

	s.logger.Info("job scheduled",
		"job_id", job.ID,
		"module", job.Module,
		"actor", job.Actor,
		"at", job.At,
		"cron", job.Cron,
		"steps", len(job.Steps),
	)
	return job, nil
}

// Cancel removes a job. A run already in progress finishes.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	sj, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.cron.Remove(sj.entry)
	s.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Jobs returns the scheduled jobs of module, or of every module when module
// is empty, ordered by next fire time.
func (s *Scheduler) Jobs(module string) []Job {
	next := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		next[e.ID] = e.Next
	}

	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, sj := range s.jobs {
		if module != "" && sj.job.Module != module {
			continue
		}
		j := sj.job
		j.Next = next[sj.entry]
		if j.Next.IsZero() && j.OneShot() {
			j.Next = j.At
		}
		out = append(out, j)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.Next.Compare(b.Next); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// fire runs one job. One-shot jobs are forgotten before they run.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	sj, ok := s.jobs[id]
	if ok && sj.job.OneShot() {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if sj.job.OneShot() {
		s.cron.Remove(sj.entry)
	}

	exec := s.engine.Run(s.ctx, sj.job, sj.dispatcher)
	if s.observer != nil {
		s.observer(exec)
	}
}

// onceSchedule fires at a single instant.
type onceSchedule struct {
	at time.Time
}

// Next implements cron.Schedule. The zero time means never again.
func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
