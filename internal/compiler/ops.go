package compiler

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/tickstate/internal/ir"
)

// op is one derive operator. CUE cannot carry Go functions, so computed
// fields name an operator from this closed registry.
type op struct {
	minArgs int
	maxArgs int // -1 means unbounded
	build   func(args []string) ir.DeriveFunc
}

var ops = map[string]op{
	// copy returns the value at args[0].
	"copy": {1, 1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) { return r.Get(args[0]), nil }
	}},
	// len counts array items, object fields or string runes.
	"len": {1, 1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) {
			switch v := r.Get(args[0]).(type) {
			case ir.Array:
				return ir.Int(len(v)), nil
			case ir.Object:
				return ir.Int(len(v)), nil
			case ir.String:
				return ir.Int(len([]rune(v))), nil
			}
			return ir.Int(0), nil
		}
	}},
	// sum adds the ints found at args[0]; "items[].price" sums a field of
	// every item.
	"sum": {1, 1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) {
			var total ir.Int
			for _, v := range expand(r, args[0]) {
				if n, ok := v.(ir.Int); ok {
					total += n
				}
			}
			return total, nil
		}
	}},
	"not": {1, 1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) { return ir.Bool(!truthy(r.Get(args[0]))), nil }
	}},
	// concat joins the text of every argument.
	"concat": {1, -1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) {
			var b strings.Builder
			for _, a := range args {
				s, err := text(r.Get(a))
				if err != nil {
					return nil, fmt.Errorf("concat %s: %w", a, err)
				}
				b.WriteString(s)
			}
			return ir.String(b.String()), nil
		}
	}},
	"eq": {2, 2, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) {
			eq, err := deepEqual(r.Get(args[0]), r.Get(args[1]))
			if err != nil {
				return nil, err
			}
			return ir.Bool(eq), nil
		}
	}},
	// count_true counts the truthy values found at args[0].
	"count_true": {1, 1, func(args []string) ir.DeriveFunc {
		return func(r ir.Reader) (ir.Value, error) {
			var n ir.Int
			for _, v := range expand(r, args[0]) {
				if truthy(v) {
					n++
				}
			}
			return n, nil
		}
	}},
}

// Ops returns the operator names, sorted.
func Ops() []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// buildDerive resolves an operator and checks its arity.
func buildDerive(name string, args []string) (ir.DeriveFunc, error) {
	o, ok := ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown op %q: want one of %s", name, strings.Join(Ops(), ", "))
	}
	if len(args) < o.minArgs || (o.maxArgs >= 0 && len(args) > o.maxArgs) {
		return nil, fmt.Errorf("op %q takes %s, got %d", name, arity(o), len(args))
	}
	for _, a := range args {
		if a == "" {
			return nil, fmt.Errorf("op %q: empty argument path", name)
		}
	}
	return o.build(slices.Clone(args)), nil
}

func arity(o op) string {
	switch {
	case o.maxArgs < 0:
		return fmt.Sprintf("at least %d args", o.minArgs)
	case o.minArgs == o.maxArgs:
		return fmt.Sprintf("%d args", o.minArgs)
	}
	return fmt.Sprintf("%d to %d args", o.minArgs, o.maxArgs)
}

// expand reads every value addressed by path. Each "[]" fans out over the
// items of the array before it; an array at a path without "[]" yields
// its items.
func expand(r ir.Reader, path string) []ir.Value {
	segs := ir.ParsePath(path)
	i := slices.Index(segs, ir.EachMarker)
	if i < 0 {
		if arr, ok := r.Get(path).(ir.Array); ok {
			return arr
		}
		return []ir.Value{r.Get(path)}
	}
	arr, _ := r.Get(ir.JoinPath(segs[:i])).(ir.Array)
	var out []ir.Value
	for _, item := range arr {
		out = append(out, expandValue(item, segs[i+1:])...)
	}
	return out
}

func expandValue(v ir.Value, segs []string) []ir.Value {
	i := slices.Index(segs, ir.EachMarker)
	if i < 0 {
		got, ok := ir.GetPath(v, ir.JoinPath(segs))
		if !ok {
			return nil
		}
		return []ir.Value{got}
	}
	inner, ok := ir.GetPath(v, ir.JoinPath(segs[:i]))
	if !ok {
		return nil
	}
	arr, _ := inner.(ir.Array)
	var out []ir.Value
	for _, item := range arr {
		out = append(out, expandValue(item, segs[i+1:])...)
	}
	return out
}

func truthy(v ir.Value) bool {
	switch t := v.(type) {
	case ir.Bool:
		return bool(t)
	case ir.Int:
		return t != 0
	case ir.String:
		return t != ""
	case ir.Array:
		return len(t) > 0
	case ir.Object:
		return len(t) > 0
	}
	return false
}

func text(v ir.Value) (string, error) {
	switch t := v.(type) {
	case ir.String:
		return string(t), nil
	case ir.Int:
		return strconv.FormatInt(int64(t), 10), nil
	case ir.Bool:
		return strconv.FormatBool(bool(t)), nil
	case nil, ir.Null:
		return "", nil
	}
	b, err := ir.MarshalCanonical(v)
	return string(b), err
}

func deepEqual(a, b ir.Value) (bool, error) {
	if ir.Same(a, b) {
		return true, nil
	}
	ab, err := ir.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	bb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// deepEquals is the "deep" equality of computed fields.
func deepEquals(prev, next ir.Value) bool {
	eq, err := deepEqual(prev, next)
	return err == nil && eq
}
