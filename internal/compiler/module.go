package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/tickstate/internal/ir"
	"github.com/roach88/tickstate/internal/runtime"
)

// CompileModule parses a CUE value into a ModuleDef.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the module struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`module: Cart: { ... }`)
//	def, err := CompileModule(v.LookupPath(cue.ParsePath("module.Cart")))
//
// Recognized fields, all optional:
//
//	state:    concrete initial state (no floats)
//	computed: <path>: { deps: [...], op: "<op>", args: [...], equals: "deep" }
//	link:     <path>: { from: "<path>" }
//	list:     <path>: { trackBy: "<item path>" }
//	external: <path>: { store: "<store id>" }
//
// Field labels are state paths; quote labels that contain dots or "[]".
// Trait graph errors (cycles, two writers) are left to converge.Compile.
func CompileModule(v cue.Value) (*runtime.ModuleDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &runtime.ModuleDef{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.ID = labels[len(labels)-1].String()
	}
	if def.ID == "" {
		return nil, &CompileError{Field: "module", Message: "module needs a name", Pos: v.Pos()}
	}

	def.Initial = ir.Object{}
	if st := v.LookupPath(cue.ParsePath("state")); st.Exists() {
		initial, err := toValue(st, "state")
		if err != nil {
			return nil, err
		}
		if _, ok := initial.(ir.Object); !ok {
			return nil, &CompileError{Field: "state", Message: "state must be a struct", Pos: st.Pos()}
		}
		def.Initial = initial
	}

	for _, section := range []struct {
		name  string
		parse func(path string, v cue.Value) (ir.TraitEntry, error)
	}{
		{"computed", parseComputed},
		{"link", parseLink},
		{"external", parseExternal},
		{"list", parseList},
	} {
		sv := v.LookupPath(cue.ParsePath(section.name))
		if !sv.Exists() {
			continue
		}
		iter, err := sv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			entry, err := section.parse(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			def.Traits = append(def.Traits, entry)
		}
	}

	return def, nil
}

func parseComputed(path string, v cue.Value) (ir.TraitEntry, error) {
	field := "computed." + path
	deps, _, err := stringsAt(v, "deps", field)
	if err != nil {
		return nil, err
	}
	opName, ok, err := stringAt(v, "op", field)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CompileError{Field: field + ".op", Message: "op is required", Pos: v.Pos()}
	}
	args, hasArgs, err := stringsAt(v, "args", field)
	if err != nil {
		return nil, err
	}
	if !hasArgs {
		args = deps
	}
	derive, err := buildDerive(opName, args)
	if err != nil {
		return nil, &CompileError{Field: field + ".op", Message: err.Error(), Pos: v.Pos()}
	}

	c := ir.Computed{Path: path, Deps: deps, Derive: derive}
	equals, _, err := stringAt(v, "equals", field)
	if err != nil {
		return nil, err
	}
	switch equals {
	case "", "same":
	case "deep":
		c.Equals = deepEquals
	default:
		return nil, &CompileError{
			Field:   field + ".equals",
			Message: fmt.Sprintf("unknown equality %q: want same or deep", equals),
			Pos:     v.Pos(),
		}
	}
	return c, nil
}

func parseLink(path string, v cue.Value) (ir.TraitEntry, error) {
	from, ok, err := stringAt(v, "from", "link."+path)
	if err != nil {
		return nil, err
	}
	if !ok || from == "" {
		return nil, &CompileError{Field: "link." + path + ".from", Message: "from is required", Pos: v.Pos()}
	}
	return ir.Link{Path: path, From: from}, nil
}

func parseExternal(path string, v cue.Value) (ir.TraitEntry, error) {
	store, _, err := stringAt(v, "store", "external."+path)
	if err != nil {
		return nil, err
	}
	return ir.ExternalStore{Path: path, StoreID: store}, nil
}

func parseList(path string, v cue.Value) (ir.TraitEntry, error) {
	trackBy, _, err := stringAt(v, "trackBy", "list."+path)
	if err != nil {
		return nil, err
	}
	if strings.Contains(trackBy, ir.EachMarker) {
		return nil, &CompileError{Field: "list." + path + ".trackBy", Message: "trackBy cannot contain []", Pos: v.Pos()}
	}
	return ir.List{Path: path, TrackBy: trackBy}, nil
}

// CompileLinks parses a list of module links:
//
//	links: [{ source: "Cart#main", sourcePath: "total", target: "Summary#main", targetPath: "cartTotal" }]
func CompileLinks(v cue.Value) ([]runtime.ModuleLink, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var links []runtime.ModuleLink
	for i := 0; iter.Next(); i++ {
		lv := iter.Value()
		field := fmt.Sprintf("links[%d]", i)

		get := func(name string) (string, error) {
			s, ok, err := stringAt(lv, name, field)
			if err != nil {
				return "", err
			}
			if !ok || s == "" {
				return "", &CompileError{Field: field + "." + name, Message: name + " is required", Pos: lv.Pos()}
			}
			return s, nil
		}

		var l runtime.ModuleLink
		var src, dst string
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"source", &src},
			{"sourcePath", &l.SourcePath},
			{"target", &dst},
			{"targetPath", &l.TargetPath},
		} {
			if *f.dst, err = get(f.name); err != nil {
				return nil, err
			}
		}
		if l.Source, err = ir.ParseKey(src); err != nil {
			return nil, &CompileError{Field: field + ".source", Message: err.Error(), Pos: lv.Pos()}
		}
		if l.Target, err = ir.ParseKey(dst); err != nil {
			return nil, &CompileError{Field: field + ".target", Message: err.Error(), Pos: lv.Pos()}
		}
		if l.Name, _, err = stringAt(lv, "name", field); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}
