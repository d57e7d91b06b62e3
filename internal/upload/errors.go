package upload

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("invalid submission")
	ErrStorage    = errors.New("job store failure")
	ErrCancelled  = errors.New("cancelled by operator")
)

// ValidationError lists the fields a submission failed on.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// FailureKind classifies a publish failure for the retry policy.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// Permanent marks a publish error as not worth retrying (rejected
// credentials, invalid media).
//
//	return "", upload.Permanent(fmt.Errorf("insert: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return publishError{kind: FailurePermanent, err: err}
}

// Transient marks a publish error as retryable (network, rate limit, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return publishError{kind: FailureTransient, err: err}
}

type publishError struct {
	kind FailureKind
	err  error
}

func (e publishError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e publishError) Unwrap() error { return e.err }

// Classify returns the failure kind of err. Unmarked errors and timeouts
// are transient.
func Classify(err error) FailureKind {
	var pe publishError
	if errors.As(err, &pe) {
		return pe.kind
	}
	return FailureTransient
}
