// Package services provides the operator-facing operations on automation graphs, runs and
// ingested events, and maps their failures onto client and server errors.
package services

import (
	"errors"
	"fmt"

	"github.com/funnelflow/funnelflow/pkg/engine"
	"github.com/funnelflow/funnelflow/pkg/graph"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidStatus    = errors.New("invalid run status")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrGraphNil         = errors.New("graph cannot be nil")

	// Business Logic Conflicts (409 Conflict).
	ErrGraphDisabled = errors.New("graph is disabled")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidEventType) ||
		errors.Is(err, ErrGraphNil) ||
		errors.Is(err, graph.ErrInvalidGraph)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrGraphDisabled) ||
		errors.Is(err, engine.ErrRunNotFailed) ||
		errors.Is(err, engine.ErrRunTerminal) ||
		errors.Is(err, engine.ErrRunBusy) ||
		errors.Is(err, engine.ErrGraphNotExecutable)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
