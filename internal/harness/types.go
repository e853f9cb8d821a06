package harness

import (
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/rowid"
)

// TickSummary is the deterministic part of one settled tick.
type TickSummary struct {
	TickSeq       int64          `json:"tick_seq"`
	Stable        bool           `json:"stable"`
	DegradeReason string         `json:"degrade_reason,omitempty"`
	Steps         int            `json:"steps"`
	Counts        map[string]int `json:"counts"`
	TxnID         string         `json:"txn_id,omitempty"`
}

// DiagnosticSummary is the deterministic part of one diagnostic.
type DiagnosticSummary struct {
	Code       string `json:"code"`
	Severity   string `json:"severity"`
	ModuleID   string `json:"module_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Field      string `json:"field,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions match.
	Pass bool `json:"pass"`

	// Ticks are the ticks that ran after setup, in order.
	Ticks []TickSummary `json:"ticks"`

	// SetupTicks counts the ticks that committed instance creation and
	// initial link syncs.
	SetupTicks int `json:"setup_ticks"`

	// Diagnostics are every diagnostic of the run, setup included.
	Diagnostics []DiagnosticSummary `json:"diagnostics"`

	// State is the final committed state per instance key.
	State map[string]ir.Value `json:"state"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// rows records every declared root list after each step.
	rows map[string][]rowFrame
}

// rowFrame is one observation of a list: row ids and item identities,
// index aligned.
type rowFrame struct {
	ids   []rowid.RowID
	items []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Ticks:       []TickSummary{},
		Diagnostics: []DiagnosticSummary{},
		State:       make(map[string]ir.Value),
		Errors:      []string{},
		rows:        make(map[string][]rowFrame),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func rowsKey(key, list string) string {
	return key + "/" + list
}
