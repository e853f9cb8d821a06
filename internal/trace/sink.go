package trace

import (
	"context"
	"log/slog"
	"sync"
)

// Sink consumes trace and diagnostic records.
// Emit must not block for long and must not call back into the runtime.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans records out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Discard
	case 1:
		return live[0]
	}
	return multi(live)
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps every record in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of all records in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Ticks returns the recorded tick events.
func (r *Recorder) Ticks() []TickEvent {
	var out []TickEvent
	for _, e := range r.Events() {
		if t, ok := e.(TickEvent); ok {
			out = append(out, t)
		}
	}
	return out
}

// Diagnostics returns the recorded diagnostics, optionally filtered by code.
func (r *Recorder) Diagnostics(code string) []Diagnostic {
	var out []Diagnostic
	for _, e := range r.Events() {
		if d, ok := e.(Diagnostic); ok && (code == "" || d.Code == code) {
			out = append(out, d)
		}
	}
	return out
}

// Inversions returns the recorded priority-inversion warnings.
func (r *Recorder) Inversions() []PriorityInversion {
	var out []PriorityInversion
	for _, e := range r.Events() {
		if p, ok := e.(PriorityInversion); ok {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// SlogSink writes records to a structured logger.
// Ticks log at debug, budget overruns and diagnostics at warn.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink creates a sink logging to logger (slog.Default() when nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

// Emit implements Sink.
func (s *SlogSink) Emit(e Event) {
	ctx := context.Background()
	switch ev := e.(type) {
	case TickEvent:
		level := slog.LevelDebug
		if ev.Phase == PhaseBudgetExceeded {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("event", string(KindTick)),
			slog.String("phase", string(ev.Phase)),
			slog.Int64("tick_seq", ev.TickSeq),
			slog.Int("steps", ev.Budget.Steps),
			slog.Int("max_steps", ev.Budget.MaxSteps),
			slog.Int64("elapsed_ms", ev.Budget.ElapsedMs),
		}
		if ev.Backlog != nil {
			attrs = append(attrs, slog.Int("backlog", ev.Backlog.Pending))
		}
		if ev.DegradeReason != "" {
			attrs = append(attrs, slog.String("degrade_reason", ev.DegradeReason))
		}
		s.Logger.LogAttrs(ctx, level, "tick", attrs...)

	case Diagnostic:
		level := slog.LevelWarn
		switch ev.Severity {
		case SeverityInfo:
			level = slog.LevelInfo
		case SeverityError:
			level = slog.LevelError
		}
		s.Logger.LogAttrs(ctx, level, ev.Message,
			slog.String("event", string(KindDiagnostic)),
			slog.String("code", ev.Code),
			slog.String("module_id", ev.ModuleID),
			slog.String("instance_id", ev.InstanceID),
			slog.String("field", ev.Field),
		)

	case PriorityInversion:
		s.Logger.LogAttrs(ctx, slog.LevelWarn, "priority inversion",
			slog.String("event", string(KindPriorityInversion)),
			slog.Int64("tick_seq", ev.TickSeq),
			slog.String("topic", ev.Topic),
			slog.Int("subscribers", ev.Subscribers),
		)

	default:
		s.Logger.Debug("trace event", "event", string(e.EventKind()))
	}
}
