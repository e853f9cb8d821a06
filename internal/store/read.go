package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/tickstate/internal/trace"
)

// Run summarizes one recorded run.
type Run struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Ticks       int    `json:"ticks"`
	Diagnostics int    `json:"diagnostics"`
}

// TickRecord is a stored tick event.
type TickRecord struct {
	Seq   int64           `json:"seq"`
	RunID int64           `json:"run_id"`
	Event trace.TickEvent `json:"event"`
}

// DiagnosticRecord is a stored diagnostic or priority-inversion event.
type DiagnosticRecord struct {
	Seq   int64       `json:"seq"`
	RunID int64       `json:"run_id"`
	Kind  trace.Kind  `json:"kind"`
	Event trace.Event `json:"event"`
}

// Filter narrows reads. Zero values match everything.
type Filter struct {
	RunID    int64
	Code     string // diagnostics only
	Degraded bool   // ticks only: records with a degrade reason
	Limit    int
}

// Runs returns every recorded run ordered by id.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name,
			(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.id),
			(SELECT COUNT(*) FROM diagnostics d WHERE d.run_id = r.id)
		FROM runs r
		ORDER BY r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Name, &r.Ticks, &r.Diagnostics); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the id of the most recent run, or 0 when none exist.
func (s *Store) LatestRun(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM runs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest run: %w", err)
	}
	return id.Int64, nil
}

// ReadTicks returns stored tick events ordered by seq.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadTicks(ctx context.Context, f Filter) ([]TickRecord, error) {
	var where []string
	var args []any
	if f.RunID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Degraded {
		where = append(where, "degrade_reason != ''")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, run_id, data FROM ticks"+whereClause(where)+" ORDER BY seq ASC"+limitClause(f.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	out := []TickRecord{}
	for rows.Next() {
		var rec TickRecord
		ev, err := scanEvent(rows, &rec.Seq, &rec.RunID)
		if err != nil {
			return nil, err
		}
		tick, ok := ev.(trace.TickEvent)
		if !ok {
			return nil, fmt.Errorf("tick seq %d: stored %s record", rec.Seq, ev.EventKind())
		}
		rec.Event = tick
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return out, nil
}

// ReadDiagnostics returns stored diagnostics and priority-inversion warnings
// ordered by seq. Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadDiagnostics(ctx context.Context, f Filter) ([]DiagnosticRecord, error) {
	var where []string
	var args []any
	if f.RunID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Code != "" {
		where = append(where, "code = ?")
		args = append(args, f.Code)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, run_id, data FROM diagnostics"+whereClause(where)+" ORDER BY seq ASC"+limitClause(f.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	out := []DiagnosticRecord{}
	for rows.Next() {
		var rec DiagnosticRecord
		ev, err := scanEvent(rows, &rec.Seq, &rec.RunID)
		if err != nil {
			return nil, err
		}
		rec.Kind = ev.EventKind()
		rec.Event = ev
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows, seq, runID *int64) (trace.Event, error) {
	var data string
	if err := rows.Scan(seq, runID, &data); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	ev, err := trace.Unmarshal([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode record seq %d: %w", *seq, err)
	}
	return ev, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}
