package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTransition is returned when a call lifecycle event does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPreconditionFailed signals a lost compare-and-set race.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error while keeping the sentinel chain intact.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether the caller may safely try the operation again.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrPreconditionFailed)
}
