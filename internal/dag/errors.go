// ABOUTME: Typed errors for DAG construction and replan merging.
// ABOUTME: CyclicDependencyError carries the witness chain, joined with arrows.

package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency matches any cycle failure via errors.Is.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrReplanConflict matches any rejected replan via errors.Is.
	ErrReplanConflict = errors.New("replan conflict")
	// ErrUnknownTask indicates an edge endpoint missing from the task set.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask indicates two tasks share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrEmptyPlan indicates a build with no tasks.
	ErrEmptyPlan = errors.New("plan has no tasks")
)

// CyclicDependencyError reports a dependency cycle. Chain is one stable
// witness, first node repeated at the end, e.g. ["A", "B", "A"].
type CyclicDependencyError struct {
	Chain []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Chain, " → "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// ReplanConflictError reports a replan that could not be merged. The
// prior structure stays in effect.
type ReplanConflictError struct {
	Reason string
	Cause  error
}

func (e *ReplanConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("replan conflict: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("replan conflict: %s", e.Reason)
}

func (e *ReplanConflictError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrReplanConflict, e.Cause}
	}
	return []error{ErrReplanConflict}
}
