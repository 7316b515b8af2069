package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, automation.ErrJobNotFound) {
//	    // 404
//	}
var (
	// ErrInvalidJob is returned when a job fails validation.
	ErrInvalidJob = errors.New("automation: invalid job")

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("automation: job not found")

	// ErrNotPermitted is wrapped by a Dispatcher when the job's actor may not
	// use the step's device. The step is skipped.
	ErrNotPermitted = errors.New("automation: not permitted")

	// ErrStopped is returned when scheduling on a stopped scheduler.
	ErrStopped = errors.New("automation: scheduler stopped")
)
