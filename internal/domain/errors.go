package domain

import (
	"errors"
	"fmt"
)

// ValidationError rejects missing or malformed input before any write.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError marks a referenced alert, donor, or event as absent.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func NotFoundf(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError marks a state-machine precondition violation, such as
// responding to an already-closed alert or reserving reserved inventory.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// CollaboratorError wraps a downstream agent or external sender failure.
// The initiating workflow step remains retryable.
type CollaboratorError struct {
	Msg string
	Err error
}

func (e *CollaboratorError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func Collaboratorf(err error, format string, args ...any) error {
	return &CollaboratorError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// StorageError wraps a durable-store failure. Always surfaced, never
// swallowed.
type StorageError struct {
	Msg string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func Storagef(err error, format string, args ...any) error {
	return &StorageError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsConflict(err error) bool {
	var t *ConflictError
	return errors.As(err, &t)
}

func IsCollaborator(err error) bool {
	var t *CollaboratorError
	return errors.As(err, &t)
}

func IsStorage(err error) bool {
	var t *StorageError
	return errors.As(err, &t)
}
