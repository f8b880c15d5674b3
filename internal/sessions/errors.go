package sessions

import (
	"errors"
	"fmt"
)

// Error codes surfaced by store operations.
const (
	CodeLockHeld = "lock_held"
	CodeNotFound = "not_found"
	CodeConflict = "conflict"
)

// StoreError carries one of the store error codes.
type StoreError struct {
	Code    string
	Session string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s: %s: %v", e.Session, e.Code, e.Err)
	}
	return fmt.Sprintf("session %s: %s", e.Session, e.Code)
}

func (e *StoreError) Unwrap() error { return e.Err }

func lockHeld(session string, err error) *StoreError {
	return &StoreError{Code: CodeLockHeld, Session: session, Err: err}
}

func notFound(session string) *StoreError {
	return &StoreError{Code: CodeNotFound, Session: session}
}

func conflict(session string, err error) *StoreError {
	return &StoreError{Code: CodeConflict, Session: session, Err: err}
}

// CodeOf extracts the store error code, or "" for foreign errors.
func CodeOf(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
