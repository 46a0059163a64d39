package scheduler

import "errors"

var (
	// ErrInvalidTaskType is returned when a submission has no task type
	ErrInvalidTaskType = errors.New("task type is required")

	// ErrInvalidOptions is returned for malformed submit options
	ErrInvalidOptions = errors.New("invalid submit options")

	// ErrNoCapableWorker is returned when no registered worker and no
	// local handler could ever execute the task type
	ErrNoCapableWorker = errors.New("no worker or local handler declares the task type")
)
