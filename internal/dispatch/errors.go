package dispatch

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown to the engine
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFailed is returned by WaitForJob when the job exhausted its
	// retries
	ErrJobFailed = errors.New("job failed permanently")
)
