package router

import "errors"

var (
	// ErrNoCandidates is returned when no healthy candidate worker is
	// eligible for a job
	ErrNoCandidates = errors.New("no eligible candidate workers")
)
