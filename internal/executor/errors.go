// ABOUTME: Typed execution errors: per-task timeout and tool failure.
// ABOUTME: Both land in task results; neither aborts the surrounding layer.

package executor

import (
	"fmt"
	"time"
)

// TaskTimeoutError reports a task that exceeded its per-task timeout.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// TaskExecutionError wraps a tool failure with the task it belongs to.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}
