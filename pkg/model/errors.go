package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidWorkWindow   = errors.New("invalid work window")
	ErrInvalidInterval     = errors.New("invalid busy interval")
	ErrInvalidTask         = errors.New("invalid task")
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
	ErrAuthExpired         = errors.New("calendar authorization expired")
	ErrTaskNotFound        = errors.New("task not found")

	// ErrNoData means no sync has happened yet for the requested day. It is a
	// state rather than a failure.
	ErrNoData = errors.New("no sync data for today")
)

// SyncError is returned by a manual sync that could not fetch calendar data.
// The previously computed plan is left untouched.
type SyncError struct {
	Reason error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed: %v", e.Reason)
}

func (e *SyncError) Unwrap() error {
	return e.Reason
}
