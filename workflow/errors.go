package workflow

import (
	"errors"

	"github.com/songzhibin97/process-engine/functions"
	"github.com/songzhibin97/process-engine/graph"
	"github.com/songzhibin97/process-engine/storage"
)

// Standard error definitions
var (
	// ErrValidation is returned when a definition fails structural validation.
	ErrValidation = errors.New("validation failed")
	// ErrOutputValidationFailed is returned when a task output violates its function's schema.
	// The task is left open.
	ErrOutputValidationFailed = errors.New("output validation failed")

	ErrDefinitionNotFound     = errors.New("definition not found")
	ErrInstanceNotFound       = errors.New("instance not found")
	ErrTaskNotFound           = errors.New("task not found")
	ErrTaskNotAssignedToActor = errors.New("task not assigned to actor")

	// ErrTaskAlreadyTerminal is returned when a task is no longer PENDING or IN_PROGRESS.
	ErrTaskAlreadyTerminal = errors.New("task already terminal")
	// ErrInstanceTerminal is returned for any mutation of a COMPLETED or FAILED instance.
	ErrInstanceTerminal = errors.New("instance terminal")
	// ErrInvalidState is returned when a status change is not permitted from the current status.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrStructural marks a runtime condition that a validated definition should never produce.
	ErrStructural = errors.New("structural error")

	ErrNoMatchingTransition  = graph.ErrNoMatchingTransition
	ErrFunctionNotRegistered = functions.ErrFunctionNotRegistered
)

// IsConflict reports whether err is a retryable conflict: a terminal task or instance,
// a status change that lost a race, or an optimistic-concurrency failure in storage.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTaskAlreadyTerminal) ||
		errors.Is(err, ErrInstanceTerminal) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, storage.ErrConflict)
}

// IsValidation reports whether err was caused by invalid caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrOutputValidationFailed)
}

// IsNotFound reports whether err names a missing definition, instance or task.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrTaskNotFound)
}
