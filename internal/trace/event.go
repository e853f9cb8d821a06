// Package trace defines the structured trace and diagnostic records produced
// by the runtime, and the sinks that consume them.
//
// Records are plain values. A Sink must not retain mutable references into
// runtime state: every slice and map in a record is owned by the record.
package trace

import (
	"encoding/json"
	"fmt"
)

// Kind names a record family.
type Kind string

const (
	KindTick              Kind = "trace:tick"
	KindDiagnostic        Kind = "diagnostic"
	KindPriorityInversion Kind = "warn:priority-inversion"
)

// Event is a trace or diagnostic record.
type Event interface {
	EventKind() Kind
}

// Phase is the point of a tick a TickEvent was emitted at.
type Phase string

const (
	PhaseStart          Phase = "start"
	PhaseBudgetExceeded Phase = "budgetExceeded"
	PhaseSettled        Phase = "settled"
)

// TriggerRef identifies one commit that caused a tick.
type TriggerRef struct {
	OriginKind string `json:"origin_kind"`
	OriginName string `json:"origin_name,omitempty"`
	ModuleID   string `json:"module_id"`
	InstanceID string `json:"instance_id"`
}

// Trigger summarizes what caused a tick: commit counts by origin kind
// (dispatch, externalStore, timer, unknown) and the first commit.
type Trigger struct {
	Counts  map[string]int `json:"counts"`
	Primary *TriggerRef    `json:"primary,omitempty"`
}

// Anchor ties a tick to the transaction of its primary trigger.
type Anchor struct {
	ModuleID   string `json:"module_id"`
	InstanceID string `json:"instance_id"`
	TxnSeq     int64  `json:"txn_seq"`
	TxnID      string `json:"txn_id"`
}

// Budget reports step accounting for a tick.
type Budget struct {
	MaxSteps  int   `json:"max_steps"`
	ElapsedMs int64 `json:"elapsed_ms"`
	Steps     int   `json:"steps"`
}

// Backlog reports work left for later ticks.
type Backlog struct {
	Pending         int         `json:"pending"`
	DeferredPrimary *TriggerRef `json:"deferred_primary,omitempty"`
}

// TickEvent is a "trace:tick" record.
type TickEvent struct {
	Phase         Phase    `json:"phase"`
	TickSeq       int64    `json:"tick_seq"`
	Trigger       Trigger  `json:"trigger"`
	Anchor        *Anchor  `json:"anchor,omitempty"`
	Budget        Budget   `json:"budget"`
	Backlog       *Backlog `json:"backlog,omitempty"`
	Stable        bool     `json:"stable"`
	DegradeReason string   `json:"degrade_reason,omitempty"`
}

// EventKind implements Event.
func (TickEvent) EventKind() Kind { return KindTick }

// Severity grades a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic codes.
const (
	CodeDepsMismatch     = "state_trait::deps_mismatch"
	CodeConvergeDegraded = "state_trait::converge_degraded"
	CodeListenerFailed   = "scheduler::listener_failed"
	CodeLinkFailed       = "scheduler::link_failed"
	CodeLinkCycle        = "scheduler::link_cycle"
	CodeIdentityFailed   = "identity::reconcile_failed"
)

// Diagnostic is a "diagnostic" record.
type Diagnostic struct {
	Code         string   `json:"code"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	ModuleID     string   `json:"module_id,omitempty"`
	InstanceID   string   `json:"instance_id,omitempty"`
	Field        string   `json:"field,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Declared     []string `json:"declared,omitempty"`
	Observed     []string `json:"observed,omitempty"`
	RuntimeLabel string   `json:"runtime_label,omitempty"`
}

// EventKind implements Event.
func (Diagnostic) EventKind() Kind { return KindDiagnostic }

// PriorityInversion is a "warn:priority-inversion" record: non-urgent work
// was deferred for a topic somebody is subscribed to.
type PriorityInversion struct {
	TickSeq     int64  `json:"tick_seq"`
	Topic       string `json:"topic"`
	ModuleID    string `json:"module_id"`
	InstanceID  string `json:"instance_id"`
	Subscribers int    `json:"subscribers"`
}

// EventKind implements Event.
func (PriorityInversion) EventKind() Kind { return KindPriorityInversion }

// envelope is the JSON wire form of an Event.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes an event as {"kind": ..., "data": ...}.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventKind(), err)
	}
	return json.Marshal(envelope{Kind: e.EventKind(), Data: data})
}

// Unmarshal decodes the output of Marshal.
func Unmarshal(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindTick:
		var e TickEvent
		err := json.Unmarshal(env.Data, &e)
		return e, err
	case KindDiagnostic:
		var e Diagnostic
		err := json.Unmarshal(env.Data, &e)
		return e, err
	case KindPriorityInversion:
		var e PriorityInversion
		err := json.Unmarshal(env.Data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}
