package store

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/tickstate/internal/trace"
)

// BeginRun starts a new run and makes it current. Every record emitted
// afterwards belongs to it. Returns the run id.
func (s *Store) BeginRun(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}

	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
	return id, nil
}

// currentRun returns the current run id, starting an unnamed run when none
// has been begun.
func (s *Store) currentRun(ctx context.Context) (int64, error) {
	s.mu.Lock()
	id := s.runID
	s.mu.Unlock()
	if id != 0 {
		return id, nil
	}
	return s.BeginRun(ctx, "")
}

// Emit implements trace.Sink.
//
// A write failure never reaches the runtime: it is logged and kept for
// Err and Close.
func (s *Store) Emit(e trace.Event) {
	if err := s.Write(context.Background(), e); err != nil {
		s.logger.Error("trace write failed",
			"event", "store_emit_failed",
			"kind", string(e.EventKind()),
			"error", err,
		)
		s.mu.Lock()
		s.emitErr = multierr.Append(s.emitErr, err)
		s.mu.Unlock()
	}
}

// Write appends one record to the current run.
func (s *Store) Write(ctx context.Context, e trace.Event) error {
	data, err := trace.Marshal(e)
	if err != nil {
		return fmt.Errorf("write %s: %w", e.EventKind(), err)
	}
	runID, err := s.currentRun(ctx)
	if err != nil {
		return err
	}

	switch ev := e.(type) {
	case trace.TickEvent:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO ticks
			(run_id, tick_seq, phase, stable, degrade_reason, steps, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			ev.TickSeq,
			string(ev.Phase),
			ev.Stable,
			ev.DegradeReason,
			ev.Budget.Steps,
			string(data),
		)

	case trace.Diagnostic:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO diagnostics
			(run_id, kind, code, severity, module_id, instance_id, message, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			string(trace.KindDiagnostic),
			ev.Code,
			string(ev.Severity),
			ev.ModuleID,
			ev.InstanceID,
			ev.Message,
			string(data),
		)

	case trace.PriorityInversion:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO diagnostics
			(run_id, kind, code, severity, module_id, instance_id, message, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			string(trace.KindPriorityInversion),
			string(trace.KindPriorityInversion),
			string(trace.SeverityWarning),
			ev.ModuleID,
			ev.InstanceID,
			fmt.Sprintf("deferred non-urgent work on subscribed topic %s", ev.Topic),
			string(data),
		)

	default:
		return fmt.Errorf("write: unsupported event %T", e)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", e.EventKind(), err)
	}
	return nil
}

// compile-time check
var _ trace.Sink = (*Store)(nil)
