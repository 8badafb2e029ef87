package engine

import (
	"errors"
	"fmt"
)

// OperationError is the terminal error of an operation.
//
// The controller never returns it from mutation methods; it is available
// from Operation.Err and recorded in the journal.
type OperationError struct {
	// Code identifies the error category.
	Code OperationErrorCode

	// Message is a human-readable description.
	Message string

	// OperationID identifies the failed operation.
	OperationID string

	// MerchandiseID identifies the targeted line.
	MerchandiseID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// OperationErrorCode categorizes operation errors.
type OperationErrorCode string

const (
	// ErrCodeRetriesExhausted indicates every attempt of the remote call failed.
	ErrCodeRetriesExhausted OperationErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodeInvalidOperation indicates the operation failed validation and
	// never reached the reducer.
	ErrCodeInvalidOperation OperationErrorCode = "INVALID_OPERATION"

	// ErrCodeClosed indicates the controller was closed before submission.
	ErrCodeClosed OperationErrorCode = "CONTROLLER_CLOSED"

	// ErrCodeAborted indicates the remote work was interrupted by shutdown.
	ErrCodeAborted OperationErrorCode = "ABORTED"
)

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.OperationID != "" && e.MerchandiseID != "" {
		return fmt.Sprintf("%s: %s (op=%s, merchandise=%s)", e.Code, e.Message, e.OperationID, e.MerchandiseID)
	}
	if e.OperationID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OperationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsExhaustedError returns true if err is an OperationError for a call whose
// retries ran out. Uses errors.As to handle wrapped errors.
func IsExhaustedError(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeRetriesExhausted
	}
	return false
}

// IsInvalidOperationError returns true if err is a validation failure.
func IsInvalidOperationError(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeInvalidOperation
	}
	return false
}

// NewExhaustedError creates an OperationError for a call that used its
// whole retry budget.
func NewExhaustedError(rec OperationRecord, attempts int, cause error) *OperationError {
	return &OperationError{
		Code:          ErrCodeRetriesExhausted,
		Message:       fmt.Sprintf("%s failed after %d attempts", rec.Kind, attempts),
		OperationID:   rec.ID,
		MerchandiseID: rec.MerchandiseID,
		Details: map[string]string{
			"attempts": fmt.Sprintf("%d", attempts),
		},
		Err: cause,
	}
}

// NewInvalidOperationError creates an OperationError for a rejected operation.
func NewInvalidOperationError(rec OperationRecord, cause error) *OperationError {
	return &OperationError{
		Code:          ErrCodeInvalidOperation,
		Message:       cause.Error(),
		OperationID:   rec.ID,
		MerchandiseID: rec.MerchandiseID,
		Err:           cause,
	}
}

// newClosedError creates an OperationError for submissions after Close.
func newClosedError(rec OperationRecord) *OperationError {
	return &OperationError{
		Code:          ErrCodeClosed,
		Message:       "controller closed",
		OperationID:   rec.ID,
		MerchandiseID: rec.MerchandiseID,
		Err:           ErrQueueClosed,
	}
}

// newAbortedError creates an OperationError for work interrupted by shutdown.
func newAbortedError(rec OperationRecord, cause error) *OperationError {
	return &OperationError{
		Code:          ErrCodeAborted,
		Message:       "remote call aborted",
		OperationID:   rec.ID,
		MerchandiseID: rec.MerchandiseID,
		Err:           cause,
	}
}
