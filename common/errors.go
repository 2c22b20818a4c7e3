package common

import (
	"errors"
	"fmt"
)

// DependencyError indicates a call against an external dependency (membership
// store, event log, relay, system of record) could not be completed because
// the dependency was unreachable or misbehaving. Callers must treat this as
// "unknown", never as a definitive answer.
type DependencyError struct {
	// Dependency names the failing dependency
	Dependency string
	// Op is the operation being attempted
	Op string
	// Cause is the underlying failure
	Cause error
}

// Error implements the error interface
func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %s", e.Dependency, e.Op, e.Cause)
}

// Unwrap exposes the underlying failure
func (e *DependencyError) Unwrap() error {
	return e.Cause
}

// NewDependencyError define a DependencyError
func NewDependencyError(dependency, op string, cause error) error {
	return &DependencyError{Dependency: dependency, Op: op, Cause: cause}
}

// IsDependencyError check whether an error chain contains a DependencyError
func IsDependencyError(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}
