package runtime

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/trace"
)

// ModuleLink copies SourcePath of Source into TargetPath of Target whenever
// Source commits.
type ModuleLink struct {
	Name       string // Optional; used as the origin name of link writes
	Source     ir.ModuleInstanceKey
	SourcePath string
	Target     ir.ModuleInstanceKey
	TargetPath string
}

func (l ModuleLink) String() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Source.String() + "." + l.SourcePath + "->" + l.Target.String() + "." + l.TargetPath
}

// Link registers a module link and copies the source's current value once.
//
// Links that form a loop are accepted; each new loop is reported as a
// scheduler::link_cycle warning. At run time the drain round cap bounds a
// loop that never settles.
func (r *Runtime) Link(l ModuleLink) error {
	if l.SourcePath == "" || l.TargetPath == "" {
		return fmt.Errorf("link %s: empty path", l)
	}
	if strings.Contains(l.SourcePath, ir.EachMarker) || strings.Contains(l.TargetPath, ir.EachMarker) {
		return fmt.Errorf("link %s: paths cannot contain %q", l, ir.EachMarker)
	}
	src, err := r.lookup(l.Source)
	if err != nil {
		return fmt.Errorf("link %s: %w", l, err)
	}
	if _, err := r.lookup(l.Target); err != nil {
		return fmt.Errorf("link %s: %w", l, err)
	}

	r.mu.Lock()
	r.links = append(r.links, l)
	edges := make([]engine.LinkEdge, len(r.links))
	for i, link := range r.links {
		edges[i] = engine.LinkEdge{Source: link.Source, Target: link.Target}
	}
	var fresh []engine.CycleWarning
	for _, w := range engine.AnalyzeLinkCycles(edges) {
		id := strings.Join(w.Path, " ")
		if !r.reported[id] {
			r.reported[id] = true
			fresh = append(fresh, w)
		}
	}
	r.mu.Unlock()

	for _, w := range fresh {
		r.logger.Warn("module links form a cycle",
			"event", "link_cycle",
			"path", strings.Join(w.Path, " -> "),
		)
		r.sink.Emit(trace.Diagnostic{
			Code:         trace.CodeLinkCycle,
			Severity:     trace.SeverityWarning,
			Message:      w.Message,
			RuntimeLabel: r.label,
		})
	}

	src.mu.Lock()
	head := src.head
	src.mu.Unlock()
	return r.apply(l, head, ir.PriorityUrgent)
}

// Links returns the registered links in registration order.
func (r *Runtime) Links() []ModuleLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleLink, len(r.links))
	copy(out, r.links)
	return out
}

// propagate is the scheduler's Propagator: it applies every link whose
// source committed in this drain round. Link writes land in the commit
// queue and are drained in the next round.
func (r *Runtime) propagate(round int, commits []ir.Commit) error {
	r.mu.RLock()
	links := r.links
	r.mu.RUnlock()
	if len(links) == 0 {
		return nil
	}

	var errs error
	for _, c := range commits {
		for _, l := range links {
			if l.Source != c.Key {
				continue
			}
			if err := r.apply(l, c.State, c.Meta.Priority); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	if errs != nil {
		r.logger.Warn("link propagation failed",
			"event", "link_failed",
			"round", round,
			"error", errs,
		)
	}
	return errs
}

// apply copies the linked value out of state into the link target. Nothing
// is written when the target already holds the same value.
func (r *Runtime) apply(l ModuleLink, state ir.Value, p ir.Priority) error {
	v, ok := ir.GetPath(state, l.SourcePath)
	if !ok {
		v = ir.Null{}
	}
	target, err := r.lookup(l.Target)
	if err != nil {
		return fmt.Errorf("link %s: %w", l, err)
	}

	_, err = r.write(target, WriteOptions{
		Priority:   p,
		OriginKind: ir.OriginLink,
		OriginName: l.String(),
		DirtyPaths: []string{l.TargetPath},
	}, func(cur ir.Value) (ir.Value, error) {
		if old, ok := ir.GetPath(cur, l.TargetPath); ok && ir.Same(old, v) {
			return cur, nil
		}
		return ir.SetPath(cur, l.TargetPath, v)
	})
	if err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			return fmt.Errorf("link %s: %w", l, we.Err)
		}
		return fmt.Errorf("link %s: %w", l, err)
	}
	return nil
}
