package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the operation and request it
// belongs to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID == "" {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err. A nil err yields nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// RequestIDOf returns the request ID of the outermost OperationError in the
// chain, if any.
func RequestIDOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.RequestID
	}
	return ""
}
