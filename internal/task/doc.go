// Package task defines the shared task model for the execution engine.
//
// A Task is one schedulable tool invocation: an ID, a kind drawn from a
// closed set, the tool it targets, arguments that may reference other
// tasks' outputs, an explicit dependency set, and a side-effect flag that
// drives failure propagation and speculation eligibility.
//
// Task status follows a closed machine:
//
//	pending → running → succeeded
//	pending → running → failed
//	pending → skipped
//
// Any other transition is rejected with ErrInvalidTransition. Skipped
// tasks carry a reason of the form "dependency_failed:<id>".
//
// Arguments are plain JSON-shaped values. A string of the form
// "$taskID.field" is an output reference, resolved at dispatch time from
// the producing task's result. When the producer failed and the consumer
// is safe to fail, the reference resolves to the Unavailable sentinel
// instead; the invoked tool must tolerate it.
package task
