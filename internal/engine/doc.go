// Package engine implements the tick scheduler and its commit queue.
//
// The scheduler decides when pending commits become visible. Writers push
// commits with OnModuleCommit; the scheduler drains them at microtask
// boundaries (or when the outermost Batch closes) and publishes one
// immutable Snapshot per tick.
//
// ARCHITECTURE:
//
// Microtask Loop:
// A flush is one microtask on a FIFO task queue. RunMicrotasks drains the
// queue on the calling goroutine; Run drains it on a dedicated goroutine.
// The scheduled flag keeps at most one flush pending or in flight.
//
// Tick Flow:
// 1. Fixpoint capture: drain the commit queue, let the Propagator apply
// cross-module links, repeat up to MaxDrainRounds
// 2. Budget partition: urgent lane up to UrgentStepCap, non-urgent lane up
// to MaxSteps, everything else deferred
// 3. Deferred work is re-queued before anything is published
// 4. Snapshot published with the next tick number
// 5. Commit hook, then listeners of every accepted topic, each isolated
//
// CRITICAL PATTERNS:
//
// Soft degradation:
// Budget overruns defer work to the next tick and report a DegradeReason.
// Nothing is dropped and nothing panics.
//
// Readers never see a commit without its propagated effects:
// propagation runs to a fixpoint before the snapshot is published.
package engine
