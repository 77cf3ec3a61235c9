// Package invoke executes single task invocations.
//
// The Invoker interface is the engine's only way to run a task, ordinary
// or speculative. The Dispatcher routes each task by its kind: noops
// complete immediately, transforms run in-process, and tool tasks are
// delegated to the configured tool invoker. The Simulator is a
// deterministic tool invoker for tests and the CLI demo runner: canned
// outputs, configurable latency and failures, and a hang mode that
// ignores cancellation the way a misbehaving tool would.
package invoke
