package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrForbidden   = errors.New("forbidden")
	ErrInvalid     = errors.New("invalid")
	ErrUnavailable = errors.New("store unavailable")

	// ErrStatusChanged reports that a conditional write lost a race against a
	// concurrent stage change.
	ErrStatusChanged = fmt.Errorf("%w: status changed concurrently", ErrConflict)
)

// LeaseHeldError is returned when another session holds the lease.
type LeaseHeldError struct {
	TaskID   string
	Holder   string
	LockedAt *time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("task %s is claimed by session %s", e.TaskID, e.Holder)
}

func (e *LeaseHeldError) Is(target error) bool {
	return target == ErrConflict
}

// NotHolderError builds the Forbidden error for a session that does not hold the lease.
func NotHolderError(taskID, sessionKey string) error {
	return fmt.Errorf("%w: session %s does not hold the lease on task %s", ErrForbidden, sessionKey, taskID)
}

func NotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
