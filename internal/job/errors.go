package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateJob means a pending or active job already exists for the
	// same call and kind. Callers treat it as success.
	ErrDuplicateJob = errors.New("duplicate job for call")

	// ErrStoreUnavailable wraps failures to reach the backing store.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrClaimLost means the job changed hands (recovered or released) while
	// the reporting worker still held a stale claim.
	ErrClaimLost = errors.New("job claim lost")

	ErrNotFound   = errors.New("job not found")
	ErrNotStalled = errors.New("job is not stalled")
	ErrNotFailed  = errors.New("job is not failed")
)

// TransientError is a retryable processing failure.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a processing failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransientError{Err: err} }
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StalledJobError describes a job found active past the stalled threshold.
// It is logged by recovery, never returned to callers.
type StalledJobError struct {
	JobID     string
	CallID    string
	ClaimedBy string
	Idle      time.Duration
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("job %s (call %s) stalled: claimed by %q, idle for %s",
		e.JobID, e.CallID, e.ClaimedBy, e.Idle.Round(time.Second))
}

// failure converts a processing error into what the store records.
func failure(err error) Failure {
	f := Failure{Cause: err.Error()}
	var pe *PermanentError
	if errors.As(err, &pe) {
		f.Permanent = true
		return f
	}
	var te *TransientError
	if errors.As(err, &te) {
		f.RetryAfter = te.RetryAfter
	}
	return f
}
