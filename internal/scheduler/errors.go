package scheduler

import "errors"

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateName = errors.New("duplicate job name")
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidJob    = errors.New("invalid job")
	// ErrStopping means a previous loop has not exited yet (Stop timed out).
	ErrStopping = errors.New("scheduler is stopping")
)
