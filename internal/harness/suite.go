package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// suiteParallelism bounds the number of scenarios run at once.
const suiteParallelism = 4

// SuiteResult summarizes a run of several scenario files.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Outcomes []ScenarioOutcome `json:"outcomes"`
}

// ScenarioOutcome is the result of one scenario file.
type ScenarioOutcome struct {
	Path   string   `json:"path"`
	Name   string   `json:"name,omitempty"`
	Pass   bool     `json:"pass"`
	Ticks  int      `json:"ticks"`
	Errors []string `json:"errors,omitempty"`

	// Result is nil when the scenario failed to load or execute.
	Result *Result `json:"-"`
}

// Discover returns the scenario files (*.yaml, *.yml) under dir, sorted.
func Discover(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover scenarios in %s: %w", dir, err)
	}
	slices.Sort(paths)
	return paths, nil
}

// RunAll loads and runs every scenario file concurrently. Outcomes are in
// the order of paths. A scenario that cannot be loaded or executed counts as
// failed; RunAll itself only fails when ctx is cancelled.
func RunAll(ctx context.Context, paths []string, opts ...Option) (*SuiteResult, error) {
	outcomes := make([]ScenarioOutcome, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(suiteParallelism)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = runFile(gctx, path, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &SuiteResult{Total: len(paths), Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Pass {
			res.Passed++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func runFile(ctx context.Context, path string, opts []Option) ScenarioOutcome {
	out := ScenarioOutcome{Path: path}

	scenario, err := LoadScenario(path)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return out
	}
	out.Name = scenario.Name

	result, err := RunContext(ctx, scenario, opts...)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("scenario execution failed: %v", err)}
		return out
	}

	out.Pass = result.Pass
	out.Ticks = len(result.Ticks)
	out.Errors = result.Errors
	out.Result = result
	return out
}
