package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrAccessDenied    = errors.New("access denied to this project")
	ErrInvalidColumn   = errors.New("invalid destination column")
	ErrInvalidTask     = errors.New("invalid task")
	ErrUnknownEvent    = errors.New("unknown event")
)

// ErrConcurrencyConflict indicates that the underlying storage rejected a write
// because a newer version of one of the entities is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// StoreError reports a persistence failure during a task operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsNotFound reports whether err denotes a missing task or project.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrProjectNotFound)
}

// IsValidation reports whether err denotes rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidColumn) || errors.Is(err, ErrInvalidTask)
}
