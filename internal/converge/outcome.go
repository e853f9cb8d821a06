package converge

import (
	"fmt"
	"time"
)

// DegradeReason says why a pass was rolled back.
type DegradeReason string

const (
	ReasonBudgetExceeded DegradeReason = "budget_exceeded"
	ReasonRuntimeError   DegradeReason = "runtime_error"
)

// Outcome is the result of a convergence pass. It is a closed sum type:
// Converged, Noop and Degraded are the only variants.
type Outcome interface {
	outcome() // Sealed
}

// Converged means at least one writer changed the draft.
type Converged struct {
	PatchCount int
	Summary    Summary
}

// Noop means every writer produced its previous value.
type Noop struct {
	Summary Summary
}

// Degraded means the pass was rolled back to its base draft.
type Degraded struct {
	Reason  DegradeReason
	Err     error // Set for ReasonRuntimeError
	Summary Summary
}

func (Converged) outcome() {}
func (Noop) outcome()      {}
func (Degraded) outcome()  {}

// Error implements error so a Degraded outcome can be returned as one.
func (d Degraded) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("convergence degraded (%s): %v", d.Reason, d.Err)
	}
	return fmt.Sprintf("convergence degraded (%s)", d.Reason)
}

// Unwrap returns the underlying derive error, if any.
func (d Degraded) Unwrap() error { return d.Err }

// SummaryOf returns the summary carried by any outcome.
func SummaryOf(o Outcome) Summary {
	switch v := o.(type) {
	case Converged:
		return v.Summary
	case Noop:
		return v.Summary
	case Degraded:
		return v.Summary
	default:
		panic(fmt.Sprintf("converge: unknown Outcome variant %T", o))
	}
}

// Summary counts what a pass did.
type Summary struct {
	Mode     Mode
	Total    int // writers in the program
	Executed int
	Skipped  int // not evaluated (dirty mode or cut short)
	Changed  int
	Elapsed  time.Duration
	Slowest  []StepTiming // up to three, slowest first
}

// StepTiming is the duration of one executed step.
type StepTiming struct {
	StepID   string
	Duration time.Duration
}

const slowestKept = 3

// noteTiming inserts t into the slowest list, keeping at most slowestKept.
// Earlier steps win ties.
func (s *Summary) noteTiming(t StepTiming) {
	i := len(s.Slowest)
	for i > 0 && s.Slowest[i-1].Duration < t.Duration {
		i--
	}
	if i >= slowestKept {
		return
	}
	s.Slowest = append(s.Slowest, StepTiming{})
	copy(s.Slowest[i+1:], s.Slowest[i:])
	s.Slowest[i] = t
	if len(s.Slowest) > slowestKept {
		s.Slowest = s.Slowest[:slowestKept]
	}
}
