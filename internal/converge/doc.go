// Package converge implements the convergence engine: it recomputes the
// derived (computed) and mirrored (link) fields of a module's draft state in
// dependency order, within a time budget.
//
// ARCHITECTURE:
//
// Build time:
// Compile turns a module's trait entries into a Program. It rejects
// configurations that can never converge, before any instance runs:
//   - more than one writer for a field (MULTIPLE_WRITERS)
//   - a dependency cycle between writers (CYCLE_DETECTED)
//
// Run time:
// Engine.Converge walks the Program's topological order once. Each writer
// reads its previous value, computes the next one, and writes it back to the
// draft with structural sharing when it changed.
//
// CRITICAL PATTERNS:
//
// No half-converged state:
// On budget overrun or a failing derive function the draft is reset to the
// base it had when the pass started, and no patch is recorded. Callers see
// either the fully converged state or the untouched base.
//
// Dirty mode is an optimization only:
// Evaluating only writers that overlap the dirty roots must produce the same
// state as evaluating all of them, provided the base was converged.
package converge
