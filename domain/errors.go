package domain

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned by stores when no task matches the requested id.
var ErrTaskNotFound = errors.New("task not found")

// AuthenticationError rejects a connection attempt before it is admitted.
// Clients receiving it must discard their credentials instead of retrying.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "Authentication error: " + e.Reason
}

// NewAuthenticationError returns an AuthenticationError with the given reason.
func NewAuthenticationError(reason string) *AuthenticationError {
	return &AuthenticationError{Reason: reason}
}

// StoreError wraps a failure of the durable task store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err unless it is nil or already a not-found result.
func NewStoreError(op string, err error) error {
	if err == nil || errors.Is(err, ErrTaskNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ValidationError reports a malformed or unknown command payload.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Command == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Command, e.Reason)
}
