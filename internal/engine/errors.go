package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tickstate/internal/ir"
)

// DegradeReason says why a tick did not commit everything it captured.
type DegradeReason string

const (
	// ReasonNone marks a stable tick.
	ReasonNone DegradeReason = ""

	// ReasonBudgetSteps means non-urgent commits beyond maxSteps were deferred.
	ReasonBudgetSteps DegradeReason = "budget_steps"

	// ReasonCycleDetected means either the drain rounds hit maxDrainRounds
	// with work still queued, or the urgent lane exceeded urgentStepCap.
	ReasonCycleDetected DegradeReason = "cycle_detected"
)

// ListenerError is a failure of one subscriber callback. It never aborts a
// tick; it is collected into TickResult.ListenerErr.
type ListenerError struct {
	Topic   ir.TopicKey
	TickSeq int64
	Err     error
	Panic   bool
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("listener for %s panicked at tick %d: %v", e.Topic, e.TickSeq, e.Err)
	}
	return fmt.Sprintf("listener for %s failed at tick %d: %v", e.Topic, e.TickSeq, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error { return e.Err }

// IsListenerError returns true if err is or wraps a ListenerError.
func IsListenerError(err error) bool {
	var le *ListenerError
	return errors.As(err, &le)
}

// PropagationError is a failure of the Propagator in one drain round.
type PropagationError struct {
	Round int
	Err   error
}

// Error implements the error interface.
func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagation round %d: %v", e.Round, e.Err)
}

// Unwrap returns the underlying error.
func (e *PropagationError) Unwrap() error { return e.Err }
