package scheduler

import "errors"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
	ErrStarted     = errors.New("scheduler already started")
)
