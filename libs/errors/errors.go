package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound - referenced entity missing
	ErrNotFound = errors.New("not found")
	// ErrConflict - state transition illegal
	ErrConflict = errors.New("conflict")
	// ErrQuotaExhausted - badge max supply, rule global quota, or per-user limit reached
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrInsufficientBadges - redemption requires more badges than the user holds
	ErrInsufficientBadges = errors.New("insufficient badges")
	// ErrLockConflict - could not acquire the lock/row in time, retriable
	ErrLockConflict = errors.New("lock conflict")
	// ErrCircuitOpen - downstream dependency is tripped, retriable
	ErrCircuitOpen = errors.New("circuit open")
	// ErrInternalServerError - server encountered an internal error
	ErrInternalServerError = errors.New("server encountered an internal error and was unable to complete the request")
)

// ValidationError - input shape or constraint failed, caller fixable
type ValidationError struct {
	Message string
	Field   string
}

// Error - implement error interface
func (ve *ValidationError) Error() string {
	if ve.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", ve.Field, ve.Message)
	}
	return "validation failed: " + ve.Message
}

// Validation - create a new validation error for a field
func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation - check whether err is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Retriable - true for errors a caller can meaningfully retry
func Retriable(err error) bool {
	return errors.Is(err, ErrLockConflict) || errors.Is(err, ErrCircuitOpen)
}

// ErrorBundle creates a new response error
type ErrorBundle struct {
	cause   error
	message string
	data    interface{}
}

// New creates a new response error
func New(cause error, message string, data interface{}) error {
	return &ErrorBundle{
		cause,
		message,
		data,
	}
}

// Data from error origin
func (e ErrorBundle) Data() interface{} {
	return e.data
}

// Cause returns the associated cause
func (e ErrorBundle) Cause() error {
	return e.cause
}

// Unwrap returns the associated cause
func (e ErrorBundle) Unwrap() error {
	return e.cause
}

// Error turns into an error
func (e ErrorBundle) Error() string {
	return e.message
}

// DataToString returns string representation of data
func (e ErrorBundle) DataToString() string {
	if e.data == nil {
		return "no error bundle data"
	}
	b, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Sprintf("error retrieving error bundle data %s", err.Error())
	}
	return string(b)
}

// Wrap wraps an error
func Wrap(cause error, message string) error {
	return &ErrorBundle{
		cause:   cause,
		message: message,
		data:    nil,
	}
}

// MultiError - allows for multiple errors, not necessarily chained
type MultiError struct {
	Errs []error
}

// Append - append new errors to this multierror
func (me *MultiError) Append(err ...error) {
	if me.Errs == nil {
		me.Errs = []error{}
	}
	me.Errs = append(me.Errs, err...)
}

// Count - get the number of errors contained herein
func (me *MultiError) Count() int {
	return len(me.Errs)
}

// Error - implement Error interface
func (me *MultiError) Error() string {
	var errText string
	for _, err := range me.Errs {
		if errText == "" {
			errText = fmt.Sprintf("%s", err)
		} else {
			errText += fmt.Sprintf("; %s", err)
		}
	}
	return errText
}
