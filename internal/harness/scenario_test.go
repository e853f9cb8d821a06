package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickstate/internal/config"
)

const minimalScenario = `
name: minimal
description: one write
modules: mods
instances:
  - key: Counter#a
steps:
  - write: {key: Counter#a, op: set, path: n, value: 1}
assertions:
  - {type: state_equals, key: Counter#a, path: n, value: 1}
`

// writeScenario writes a scenario and an empty modules dir under a temp dir.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "mods"), 0o755))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario_ResolvesModulesRelativeToFile(t *testing.T) {
	path := writeScenario(t, minimalScenario)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "mods"), s.Modules)
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Write)
	assert.Equal(t, OpSet, s.Steps[0].Write.Op)
	assert.Equal(t, 1, s.Steps[0].Write.Value)
	assert.Equal(t, config.Default(), s.Config, "absent config keeps defaults")
}

func TestLoadScenario_ConfigOverridesKeepDefaults(t *testing.T) {
	path := writeScenario(t, minimalScenario+`
config:
  scheduler:
    max_steps: 2
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	want := config.Default()
	want.Scheduler.MaxSteps = 2
	assert.Equal(t, want, s.Config)
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, minimalScenario+"\nassertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MissingModulesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modules directory not found")
}

func TestParseScenario_Empty(t *testing.T) {
	_, err := ParseScenario(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty document")
}

func TestValidateScenario(t *testing.T) {
	valid := func() *Scenario {
		one := 1
		return &Scenario{
			Name:        "s",
			Description: "d",
			Modules:     "mods",
			Instances:   []InstanceSpec{{Key: "Counter#a"}},
			Steps:       []Step{{Flush: true}},
			Assertions:  []Assertion{{Type: AssertTickCount, Count: &one}},
		}
	}
	idx := 0
	neg := -1

	tests := []struct {
		name    string
		mutate  func(s *Scenario)
		wantErr string
	}{
		{"valid", func(*Scenario) {}, ""},
		{"no name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"no description", func(s *Scenario) { s.Description = "" }, "description is required"},
		{"no modules", func(s *Scenario) { s.Modules = "" }, "modules directory is required"},
		{"no instances", func(s *Scenario) { s.Instances = nil }, "instances list is required"},
		{"bad instance key", func(s *Scenario) { s.Instances[0].Key = "Counter" }, "instances[0]"},
		{"no steps", func(s *Scenario) { s.Steps = nil }, "steps list is required"},
		{"no assertions", func(s *Scenario) { s.Assertions = nil }, "assertions list is required"},
		{"invalid config", func(s *Scenario) {
			s.Config = config.Default()
			s.Config.Convergence.Mode = "sometimes"
		}, "config"},
		{"bad link", func(s *Scenario) {
			s.Links = []LinkSpec{{Source: "A#1", Target: "B#1", SourcePath: "v"}}
		}, "links[0]"},
		{"empty step", func(s *Scenario) { s.Steps = []Step{{}} }, "exactly one of"},
		{"two kinds in one step", func(s *Scenario) {
			s.Steps = []Step{{Flush: true, Select: &SelectStep{Key: "A#1", Topic: "t"}}}
		}, "exactly one of"},
		{"write without op", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Path: "n"}}}
		}, "op is required"},
		{"write unknown op", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Op: "merge", Path: "n"}}}
		}, "unknown op"},
		{"remove without index", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Op: OpRemove, Path: "items"}}}
		}, "index is required"},
		{"remove with index", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Op: OpRemove, Path: "items", Index: &idx}}}
		}, ""},
		{"write bad priority", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Op: OpSet, Path: "n", Priority: "asap"}}}
		}, "unknown priority"},
		{"write bad origin", func(s *Scenario) {
			s.Steps = []Step{{Write: &WriteStep{Key: "A#1", Op: OpSet, Path: "n", Origin: "link"}}}
		}, "unknown origin"},
		{"select without topic", func(s *Scenario) {
			s.Steps = []Step{{Select: &SelectStep{Key: "A#1"}}}
		}, "topic is required"},
		{"flush inside batch", func(s *Scenario) {
			s.Steps = []Step{{Batch: []Step{{Flush: true}}}}
		}, "only write and select"},
		{"empty batch", func(s *Scenario) { s.Steps = []Step{{Batch: []Step{}}} }, "batch must be non-empty"},
		{"unknown assertion", func(s *Scenario) { s.Assertions = []Assertion{{Type: "final_state"}} }, "unknown assertion type"},
		{"tick_count without count", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertTickCount}} }, "count is required"},
		{"tick_count negative", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertTickCount, Count: &neg}} }, "count is required"},
		{"state_equals float", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertStateEquals, Key: "A#1", Value: 1.5}}
		}, "floats are not allowed"},
		{"degrade_reason empty", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertDegradeReason}} }, "tick or reason"},
		{"row_ids_stable without list", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertRowIDsStable, Key: "A#1"}}
		}, "list is required"},
		{"diagnostic without code", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertDiagnostic}} }, "code is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := validateScenario(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
