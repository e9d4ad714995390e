package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmitInProgress is returned when a submit arrives while another
	// one is still being persisted.
	ErrSubmitInProgress = errors.New("submit already in progress")
	// ErrMemoNotLoaded indicates an update against a bound id whose record
	// has not been received yet.
	ErrMemoNotLoaded = errors.New("memo not loaded")
	ErrMemoNotFound  = errors.New("memo not found")
	ErrNoIdentity    = errors.New("no authenticated identity")
)

// ValidationError is a form-level validation failure. It never leaves the
// form as a notification.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Code }

// PersistenceError wraps a failed store write or subscription.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// FetchError wraps a failed folder query. Callers receive an empty list
// alongside it.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch folders: " + e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }

// PartialCreateError reports a memo that was stored under ID but whose id
// field could not be patched.
type PartialCreateError struct {
	ID  string
	Err error
}

func (e *PartialCreateError) Error() string {
	return fmt.Sprintf("memo %s created but id patch failed: %v", e.ID, e.Err)
}

func (e *PartialCreateError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
