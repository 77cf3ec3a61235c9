// ABOUTME: Closed task status machine with validated transitions.
// ABOUTME: pending->running->{succeeded,failed}; pending->skipped; nothing else.

package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition indicates an attempted status change the machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Succeeded reports whether the status satisfies downstream dependencies.
func (s Status) Succeeded() bool {
	return s == StatusSucceeded
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	}
	return false
}

// Transition moves the task to the given status, validating against the
// current one. The caller owns the task; this is not concurrency-safe on
// its own.
func (t *Task) Transition(to Status) error {
	from := t.Status
	if from == "" {
		from = StatusPending
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("%w: task %s: %s -> %s", ErrInvalidTransition, t.ID, from, to)
	}
	t.Status = to
	return nil
}
