package engine

import (
	"fmt"

	"github.com/roach88/tickstate/internal/ir"
)

// Default tick limits.
const (
	DefaultMaxSteps       = 64
	DefaultUrgentStepCap  = 512
	DefaultMaxDrainRounds = 8
)

// Limits bound the work of one tick.
//
// CRITICAL DISTINCTION between the two step limits:
//   - UrgentStepCap: safety valve against runaway urgent work. Exceeding it
//     means something is generating urgent commits without end.
//   - MaxSteps: throughput throttle for non-urgent work. Exceeding it is
//     normal under load; the excess simply waits for the next tick.
//
// MaxDrainRounds bounds cross-module propagation within one tick.
// Together they guarantee every tick terminates.
type Limits struct {
	MaxSteps       int
	UrgentStepCap  int
	MaxDrainRounds int
}

// DefaultLimits returns the default tick limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:       DefaultMaxSteps,
		UrgentStepCap:  DefaultUrgentStepCap,
		MaxDrainRounds: DefaultMaxDrainRounds,
	}
}

// Validate rejects non-positive limits.
func (l Limits) Validate() error {
	switch {
	case l.MaxSteps <= 0:
		return fmt.Errorf("max steps must be positive, got %d", l.MaxSteps)
	case l.UrgentStepCap <= 0:
		return fmt.Errorf("urgent step cap must be positive, got %d", l.UrgentStepCap)
	case l.MaxDrainRounds <= 0:
		return fmt.Errorf("max drain rounds must be positive, got %d", l.MaxDrainRounds)
	}
	return nil
}

// partition splits captured work into what commits this tick and what waits.
//
// The algorithm:
//  1. Split commits into the urgent lane and the non-urgent lane
//  2. Urgent lane over UrgentStepCap: accept the first UrgentStepCap urgent
//     commits, defer the rest and the whole non-urgent lane (cycle_detected)
//  3. Otherwise accept every urgent commit and up to MaxSteps non-urgent
//     ones; defer the excess (budget_steps)
//  4. A topic follows its instance: deferred when the instance's commit is
//     deferred, accepted otherwise
//
// Accepted and deferred commits keep their queue order.
func partition(captured *ir.PendingDrain, limits Limits) (accepted, deferred *ir.PendingDrain, reason DegradeReason) {
	accepted = ir.NewPendingDrain()
	deferred = ir.NewPendingDrain()

	var urgentCount int
	for _, c := range captured.Commits() {
		if c.Meta.Priority >= ir.PriorityUrgent {
			urgentCount++
		}
	}
	overflow := urgentCount > limits.UrgentStepCap
	if overflow {
		reason = ReasonCycleDetected
	}

	deferredKeys := make(map[ir.ModuleInstanceKey]bool)
	var urgentTaken, lowTaken int
	for _, c := range captured.Commits() {
		take := false
		if c.Meta.Priority >= ir.PriorityUrgent {
			take = urgentTaken < limits.UrgentStepCap
			if take {
				urgentTaken++
			}
		} else if !overflow {
			take = lowTaken < limits.MaxSteps
			if take {
				lowTaken++
			} else {
				reason = ReasonBudgetSteps
			}
		}

		if take {
			accepted.AddCommit(c)
		} else {
			deferred.AddCommit(c)
			deferredKeys[c.Key] = true
		}
	}

	for _, topic := range captured.Topics() {
		entry, _ := captured.Topic(topic)
		if deferredKeys[entry.Key] {
			deferred.AddTopic(topic, entry.Key, entry.Priority)
		} else {
			accepted.AddTopic(topic, entry.Key, entry.Priority)
		}
	}
	return accepted, deferred, reason
}
