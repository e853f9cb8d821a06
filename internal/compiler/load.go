package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/tickstate/internal/converge"
	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/runtime"
)

// Bundle is everything loaded from one directory of CUE files.
type Bundle struct {
	Modules   []runtime.ModuleDef
	Links     []runtime.ModuleLink
	Warnings  []engine.CycleWarning // link cycles; not errors
	FileCount int
}

// LoadDir loads every .cue file of dir as one CUE instance and compiles
// its modules and links. All compile errors are collected; the bundle holds
// whatever compiled cleanly.
//
// Each module's traits also go through converge.Compile, so a cycle or a
// field with two writers is reported here with the module name.
func LoadDir(dir string) (*Bundle, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("modules directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, []error{fmt.Errorf("scanning %s: %w", dir, err)}
	}
	if len(files) == 0 {
		return nil, []error{fmt.Errorf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded from %s", dir)}
	}
	if inst := instances[0]; inst.Err != nil {
		return nil, []error{formatCUEError(inst.Err)}
	}
	value := ctx.BuildInstance(instances[0])

	b, errs := Compile(value)
	if b != nil {
		b.FileCount = len(files)
	}
	return b, errs
}

// Compile extracts modules and links from a built CUE value.
func Compile(value cue.Value) (*Bundle, []error) {
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var errs []error
	b := &Bundle{}

	if mv := value.LookupPath(cue.ParsePath("module")); mv.Exists() {
		iter, err := mv.Fields()
		if err != nil {
			return nil, []error{formatCUEError(err)}
		}
		for iter.Next() {
			def, err := CompileModule(iter.Value())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := converge.Compile(def.Traits); err != nil {
				errs = append(errs, &CompileError{
					Field:   "module." + def.ID,
					Message: err.Error(),
					Pos:     iter.Value().Pos(),
					Err:     err,
				})
				continue
			}
			b.Modules = append(b.Modules, *def)
		}
	}

	if lv := value.LookupPath(cue.ParsePath("links")); lv.Exists() {
		links, err := CompileLinks(lv)
		if err != nil {
			errs = append(errs, err)
		}
		b.Links = links
	}

	edges := make([]engine.LinkEdge, len(b.Links))
	for i, l := range b.Links {
		edges[i] = engine.LinkEdge{Source: l.Source, Target: l.Target}
	}
	b.Warnings = engine.AnalyzeLinkCycles(edges)

	if len(b.Modules) == 0 && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no modules found"))
	}
	return b, errs
}
