package model

import (
	"errors"
	"fmt"
)

var (
	ErrStateConflict      = errors.New("livestream state conflict")
	ErrOwnership          = errors.New("livestream owned by another user")
	ErrNotFound           = errors.New("not found")
	ErrExternalProvider   = errors.New("broadcast provider error")
	ErrInvariantViolation = errors.New("livestream invariant violation")
)

// StateConflictError is returned when a livestream is not in the state an
// operation requires.
type StateConflictError struct {
	ID       string
	Event    Event
	Expected []State
	Actual   State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("livestream %s: cannot %s from %s (want %v)", e.ID, e.Event, e.Actual, e.Expected)
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// OwnershipError is returned when the acting user does not own the livestream.
type OwnershipError struct {
	ID     string
	UserID string
	Owner  string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("livestream %s: user %s is not the owner", e.ID, e.UserID)
}

func (e *OwnershipError) Is(target error) bool { return target == ErrOwnership }

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind string // "livestream", "record", "user"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ExternalProviderError wraps a failed broadcast provider call.
type ExternalProviderError struct {
	Op         string
	ExternalID string
	Err        error
}

func (e *ExternalProviderError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s %s: %v", e.Op, e.ExternalID, e.Err)
}

func (e *ExternalProviderError) Unwrap() error { return e.Err }

func (e *ExternalProviderError) Is(target error) bool { return target == ErrExternalProvider }

// Conflict builds the StateConflictError for applying ev to a livestream in actual.
func Conflict(id string, ev Event, actual State) *StateConflictError {
	return &StateConflictError{ID: id, Event: ev, Expected: Sources(ev), Actual: actual}
}

// IsStateConflict reports whether err is (or wraps) a state conflict.
func IsStateConflict(err error) bool { return errors.Is(err, ErrStateConflict) }

// ErrDuplicateClaim is returned when a user already holds a livestream for
// the same trigger minute.
var ErrDuplicateClaim = errors.New("user already holds a claim for this trigger minute")
