package model

import (
	"errors"
	"strings"
	"time"
)

// User is the scheduler's view of a platform user. It is treated as
// immutable for the duration of one scheduling pass.
type User struct {
	ID                string
	Timezone          string // IANA name, e.g. "Asia/Jakarta"
	DailyRequestLimit int

	// NotifyTarget is an opaque transport address (chat id, device token, ...).
	NotifyTarget string
}

var ErrInvalidUser = errors.New("invalid user")

// Validate checks the fields the scheduler depends on and returns the
// resolved timezone.
func (u User) Validate() (*time.Location, error) {
	if strings.TrimSpace(u.ID) == "" {
		return nil, &ValidationError{Field: "id", Err: ErrInvalidUser}
	}
	if u.DailyRequestLimit < 0 {
		return nil, &ValidationError{UserID: u.ID, Field: "daily_request_limit", Err: ErrInvalidUser}
	}
	tz := strings.TrimSpace(u.Timezone)
	if tz == "" {
		return nil, &ValidationError{UserID: u.ID, Field: "timezone", Err: ErrInvalidUser}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &ValidationError{UserID: u.ID, Field: "timezone", Err: errors.Join(ErrInvalidUser, err)}
	}
	return loc, nil
}

// ValidationError reports a user record that cannot be scheduled.
type ValidationError struct {
	UserID string
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.UserID == "" {
		return "user: invalid " + e.Field
	}
	return "user " + e.UserID + ": invalid " + e.Field
}

func (e *ValidationError) Unwrap() error { return e.Err }
