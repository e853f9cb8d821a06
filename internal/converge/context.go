package converge

import (
	"context"
	"time"

	"github.com/roach88/tickstate/internal/ir"
)

// Clock is a monotonic clock. Now returns the time elapsed since an
// arbitrary fixed origin.
type Clock interface {
	Now() time.Duration
}

// SystemClock reads the process monotonic clock.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock creates a clock whose origin is the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now implements Clock.
func (c *SystemClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Draft gives convergence read/write access to the state being built.
// Values are immutable; SetDraft replaces the whole tree.
type Draft interface {
	GetDraft() ir.Value
	SetDraft(ir.Value)
}

// MemDraft is a Draft held in a field.
type MemDraft struct {
	State ir.Value
}

// GetDraft implements Draft.
func (d *MemDraft) GetDraft() ir.Value { return d.State }

// SetDraft implements Draft.
func (d *MemDraft) SetDraft(v ir.Value) { d.State = v }

// Mode selects which writers a pass evaluates.
type Mode int

const (
	// ModeFull evaluates every writer.
	ModeFull Mode = iota
	// ModeDirty evaluates only writers whose inputs or own path overlap
	// the dirty roots.
	ModeDirty
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeDirty {
		return "dirty"
	}
	return "full"
}

// DiagnosticsLevel controls which diagnostics a pass emits.
type DiagnosticsLevel int

const (
	DiagnosticsOff DiagnosticsLevel = iota
	DiagnosticsLight
	DiagnosticsFull // also logs every step at debug level
)

// ParseDiagnosticsLevel parses "off", "light" or "full".
func ParseDiagnosticsLevel(s string) (DiagnosticsLevel, bool) {
	switch s {
	case "off":
		return DiagnosticsOff, true
	case "", "light":
		return DiagnosticsLight, true
	case "full":
		return DiagnosticsFull, true
	}
	return DiagnosticsOff, false
}

// Step describes one writer evaluation handed to middleware.
type Step struct {
	ID        string // "<kind>:<fieldPath>"
	Kind      string
	FieldPath string
	ModuleID  string
}

// Next runs the rest of the middleware chain and the step itself.
type Next func() (ir.Value, error)

// Middleware wraps every writer step. It may observe the step and its result
// but must return what next returns.
type Middleware func(ctx context.Context, step Step, next Next) (ir.Value, error)

// Recorder receives the patches of a successful pass.
type Recorder func(ir.StatePatch)

// Context is everything one convergence pass needs besides the program.
type Context struct {
	Key         ir.ModuleInstanceKey
	Clock       Clock         // Defaults to a SystemClock
	Budget      time.Duration // <= 0 means unlimited
	Mode        Mode
	DirtyPaths  []string // ModeDirty with no paths falls back to ModeFull
	Draft       Draft
	Recorder    Recorder // Optional
	Middleware  []Middleware
	Diagnostics DiagnosticsLevel
	// RuntimeLabel tags diagnostics with the emitting runtime.
	RuntimeLabel string
}
