// Package apperr defines the typed failures returned by the air-quality core.
// The core never maps them to a transport; HTTPStatus is provided for the
// web surface so every handler uses the same table.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a missing or empty required field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NotFoundError reports a referenced sensor or reading id that does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// ParseError reports a device payload that could not be normalized.
// Input is the offending substring, not necessarily the whole payload.
type ParseError struct {
	Field string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %v", e.Field, e.Input, e.Err)
	}
	return fmt.Sprintf("parse %s %q", e.Field, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already carries a typed kind.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		ne *NotFoundError
		pe *ParseError
		se *StorageError
	)
	if errors.As(err, &ve) || errors.As(err, &ne) || errors.As(err, &pe) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// HTTPStatus maps an error kind onto the status the web surface answers with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ne *NotFoundError
		pe *ParseError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.As(err, &ne):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
