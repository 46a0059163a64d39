package registry

import "errors"

var (
	// ErrWorkerNotFound is returned when a worker id is unknown
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerSaturated is returned when a worker is at max concurrency
	ErrWorkerSaturated = errors.New("worker at maximum concurrency")

	// ErrWorkerOffline is returned when reserving capacity on an offline worker
	ErrWorkerOffline = errors.New("worker offline")

	// ErrInvalidWorkerSpec is returned for registration specs missing
	// required fields
	ErrInvalidWorkerSpec = errors.New("invalid worker spec")
)
