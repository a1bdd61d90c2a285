package worker

import (
	"context"
	"errors"
)

// JobHandler runs one job type. Type must match the job_type column.
type JobHandler interface {
	Type() string

	// Handle runs the job. The payload is the raw JSON stored at enqueue.
	// Return NewPermanentError for failures a retry cannot fix.
	Handle(ctx context.Context, payload []byte) error
}

// PermanentError marks a job failure that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err so the job is marked failed immediately.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a
// PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
