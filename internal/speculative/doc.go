// Package speculative pre-executes predicted tasks before the scheduler
// reaches them, trading a little wasted compute for latency on the hot
// path.
//
// # Gates
//
// A prediction runs ahead of schedule only when every gate passes:
//
//   - confidence at or above the adaptive threshold
//   - no side effects, both on the task flag and the catalog descriptor
//   - not in a dangerous category (delete, deploy, payment,
//     communication-send)
//   - declared cost and expected duration under their caps
//   - argument references already resolvable from settled producers
//
// Side-effect and category refusals are safety violations and are logged
// as such; the other gates are ordinary ineligibility.
//
// # Commit protocol
//
// Results land in a bounded TTL cache keyed by (task signature, BLAKE2b
// hash of the resolved arguments). When the real schedule dispatches a
// task, a cache hit commits the precomputed output as the task's result;
// a mismatch discards the stale entry and the task runs normally. Nothing
// downstream ever observes an uncommitted speculation, so no compensation
// logic exists anywhere.
//
// # Adaptive threshold
//
// Every committed speculation nudges the confidence bar down, every
// wasted one nudges it up, through an EMA of the accept rate clamped to
// [0.70, 0.98]. Sustained misprediction therefore shuts speculation off
// almost entirely, and sustained accuracy earns more of it.
package speculative
