package ir

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// EachMarker is the path segment that stands for "every item" of a list,
// written as a "[]" suffix: "items[].children".
const EachMarker = "[]"

// ParsePath splits a dotted path into segments.
//
//	ParsePath("a.b")              // ["a", "b"]
//	ParsePath("items.2.name")     // ["items", "2", "name"]
//	ParsePath("items[].children") // ["items", "[]", "children"]
//
// The empty path has no segments and addresses the root.
func ParsePath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		markers := 0
		for strings.HasSuffix(p, EachMarker) {
			p = strings.TrimSuffix(p, EachMarker)
			markers++
		}
		if p != "" {
			segs = append(segs, p)
		}
		for ; markers > 0; markers-- {
			segs = append(segs, EachMarker)
		}
	}
	return segs
}

// JoinPath is the inverse of ParsePath.
func JoinPath(segs []string) string {
	var b strings.Builder
	for i, s := range segs {
		if s == EachMarker {
			b.WriteString(EachMarker)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

// isIndex reports whether seg is a non-negative array index.
func isIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetPath reads the value at path. The second result is false when any
// segment is missing or the path crosses a leaf.
func GetPath(root Value, path string) (Value, bool) {
	return getSegs(root, ParsePath(path))
}

func getSegs(node Value, segs []string) (Value, bool) {
	for _, seg := range segs {
		switch n := node.(type) {
		case Object:
			next, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = next
		case Array:
			idx, ok := isIndex(seg)
			if !ok || idx >= len(n) {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// SetPath returns a copy of root with v stored at path.
//
// Only the containers along the path are copied; every other subtree is
// shared with root. Missing intermediate containers are created as Objects.
// root itself is never modified.
func SetPath(root Value, path string, v Value) (Value, error) {
	segs := ParsePath(path)
	if slices.Contains(segs, EachMarker) {
		return nil, fmt.Errorf("set %q: cannot write through %q", path, EachMarker)
	}
	return setSegs(root, segs, v, path)
}

func setSegs(node Value, segs []string, v Value, path string) (Value, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg, rest := segs[0], segs[1:]

	switch n := node.(type) {
	case Array:
		idx, ok := isIndex(seg)
		if !ok || idx > len(n) {
			return nil, fmt.Errorf("set %q: index %q out of range for array of %d", path, seg, len(n))
		}
		var child Value
		if idx < len(n) {
			child = n[idx]
		}
		updated, err := setSegs(child, rest, v, path)
		if err != nil {
			return nil, err
		}
		out := make(Array, len(n), max(len(n), idx+1))
		copy(out, n)
		if idx == len(n) {
			out = append(out, updated)
		} else {
			out[idx] = updated
		}
		return out, nil

	case Object:
		updated, err := setSegs(n[seg], rest, v, path)
		if err != nil {
			return nil, err
		}
		out := maps.Clone(n)
		if out == nil {
			out = Object{}
		}
		out[seg] = updated
		return out, nil

	case nil, Null:
		updated, err := setSegs(nil, rest, v, path)
		if err != nil {
			return nil, err
		}
		return Object{seg: updated}, nil

	default:
		return nil, fmt.Errorf("set %q: segment %q crosses a %s leaf", path, seg, Kind(node))
	}
}

// ContainerPath truncates path at its first array index or "[]" marker.
//
//	ContainerPath("items.3.name")   // "items"
//	ContainerPath("items[].name")   // "items"
//	ContainerPath("profile.name")   // "profile.name"
func ContainerPath(path string) string {
	segs := ParsePath(path)
	for i, seg := range segs {
		if seg == EachMarker {
			return JoinPath(segs[:i])
		}
		if _, ok := isIndex(seg); ok {
			return JoinPath(segs[:i])
		}
	}
	return JoinPath(segs)
}

// PathOverlaps reports whether a and b address overlapping parts of the tree:
// equal, or one is a prefix of the other at a segment boundary.
// The empty path overlaps everything.
func PathOverlaps(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// PathCovers reports whether parent equals or contains child.
func PathCovers(parent, child string) bool {
	return parent == "" || parent == child || strings.HasPrefix(child, parent+".")
}
