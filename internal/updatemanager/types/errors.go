package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetwork is a transient transport failure, retried with backoff
	ErrNetwork = errors.New("network error")
	// ErrMalformedResponse means the version source answered with something unusable
	ErrMalformedResponse = errors.New("malformed response")
	// ErrIntegrity means the downloaded package does not match its descriptor
	ErrIntegrity = errors.New("integrity error")
	// ErrInvalidState is returned to callers of control operations that are illegal in the current state
	ErrInvalidState = errors.New("invalid state")
	// ErrUnexpected covers install failures, crash recovery and broken invariants
	ErrUnexpected = errors.New("unexpected error")
)

// Error classes as recorded in the job record and in state change events
const (
	ClassNetwork           = "NetworkError"
	ClassMalformedResponse = "MalformedResponseError"
	ClassIntegrity         = "IntegrityError"
	ClassInvalidState      = "InvalidStateError"
	ClassUnexpected        = "UnexpectedError"
)

// NetworkError wraps err into the network class
func NetworkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

func MalformedResponseError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, a...))
}

func IntegrityError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, a...))
}

func UnexpectedError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpected, fmt.Sprintf(format, a...))
}

// Classify maps err to its class name. Deadline expiry counts as a network failure,
// anything unknown as unexpected.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	case errors.Is(err, ErrMalformedResponse):
		return ClassMalformedResponse
	case errors.Is(err, ErrIntegrity):
		return ClassIntegrity
	case errors.Is(err, ErrInvalidState):
		return ClassInvalidState
	default:
		return ClassUnexpected
	}
}

// Retryable reports whether a phase may be attempted again after err
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassNetwork, ClassIntegrity:
		return true
	default:
		return false
	}
}
