// Package store provides a SQLite-backed trace log.
//
// The store is an append-only observability sink. It records tick traces,
// diagnostics and priority-inversion warnings emitted by the runtime so the
// CLI can inspect a run after the fact. It never stores module state.
//
// # Layout
//
//   - runs: one row per BeginRun; every record belongs to a run
//   - ticks: trace:tick records with phase, stability and step columns
//   - diagnostics: diagnostic and warn:priority-inversion records
//
// Each record keeps its full JSON envelope in the data column, so reads
// decode back into the same trace.Event values that were emitted.
//
// # Ordering
//
// All queries order by seq, the insertion order. Wall-clock time is never
// stored, so a replayed scenario produces the same log.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
