package logging

import "fmt"

// OperationError annotates an error with the operation and liveness session
// it occurred in.
type OperationError struct {
	Operation string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session_id=%s): %v", e.Operation, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and session it belongs to.
// It returns nil when err is nil so call sites can wrap unconditionally.
func NewOperationError(operation, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, SessionID: sessionID, Err: err}
}
