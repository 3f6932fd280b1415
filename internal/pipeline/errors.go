package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outcomes callers branch on.
var (
	// ErrDuplicateIntake means the dedup key already exists. Expected under
	// concurrent webhook redelivery; callers observe it and move on.
	ErrDuplicateIntake = errors.New("duplicate intake")

	// ErrToolNotAllowed means a tool call named a target outside the
	// whitelist. Security rejection, never retried.
	ErrToolNotAllowed = errors.New("tool not allowed")

	// ErrWriteForbidden means a write tool was invoked by a non-operator
	// identity. Security rejection, never retried.
	ErrWriteForbidden = errors.New("write forbidden")
)

// ValidationError marks input that will never process successfully. Items
// failing validation route directly to DEAD_LETTER with the reason recorded;
// retrying cannot change the outcome.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps an infrastructure failure that is worth retrying
// with backoff (provider timeouts, store hiccups, network errors).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable infrastructure error.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsRetryable classifies a step error. Validation failures and security
// rejections are final; everything else is treated as transient
// infrastructure trouble and scheduled for retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, ErrToolNotAllowed) || errors.Is(err, ErrWriteForbidden) {
		return false
	}
	return true
}
