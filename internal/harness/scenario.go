package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tickstate/internal/config"
	"github.com/roach88/tickstate/internal/ir"
)

// Scenario defines one runtime test: modules to load, instances to create,
// a sequence of writes and ticks, and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Modules is the directory of CUE module definitions.
	// Relative paths are resolved against the scenario file location.
	Modules string `yaml:"modules"`

	// Config overrides the runtime configuration. Unset keys keep their
	// defaults.
	Config config.Config `yaml:"config,omitempty"`

	// Instances are created in order before the first step.
	Instances []InstanceSpec `yaml:"instances"`

	// Links are module links in addition to those declared in CUE.
	Links []LinkSpec `yaml:"links,omitempty"`

	// Steps run in order. Writes queue commits; flush and batch steps tick.
	// The harness settles once more after the last step.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state, the ticks and the diagnostics.
	Assertions []Assertion `yaml:"assertions"`
}

// InstanceSpec creates one module instance.
type InstanceSpec struct {
	// Key is "module#instance".
	Key string `yaml:"key"`

	// State replaces the module's initial state when set.
	State map[string]any `yaml:"state,omitempty"`
}

// LinkSpec declares a module link.
type LinkSpec struct {
	Name       string `yaml:"name,omitempty"`
	Source     string `yaml:"source"`
	SourcePath string `yaml:"source_path"`
	Target     string `yaml:"target"`
	TargetPath string `yaml:"target_path"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Write  *WriteStep  `yaml:"write,omitempty"`
	Select *SelectStep `yaml:"select,omitempty"`
	Flush  bool        `yaml:"flush,omitempty"`
	Batch  []Step      `yaml:"batch,omitempty"`
}

// WriteStep mutates one instance. The commit is queued, not ticked.
type WriteStep struct {
	Key  string `yaml:"key"`
	Op   string `yaml:"op"` // set | append | remove
	Path string `yaml:"path"`

	// Value is the written value (set) or the appended item (append).
	Value any `yaml:"value,omitempty"`

	// Index is the array position removed by remove.
	Index *int `yaml:"index,omitempty"`

	Priority string `yaml:"priority,omitempty"` // urgent (default) | low
	Origin   string `yaml:"origin,omitempty"`   // default dispatch
	Name     string `yaml:"name,omitempty"`
}

// SelectStep marks a selector topic of an instance changed.
type SelectStep struct {
	Key      string `yaml:"key"`
	Topic    string `yaml:"topic"`
	Priority string `yaml:"priority,omitempty"`
}

// Write operations.
const (
	OpSet    = "set"
	OpAppend = "append"
	OpRemove = "remove"
)

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "state_equals": value at Path of instance Key equals Value
	// - "tick_count": exactly Count ticks ran after setup
	// - "degrade_reason": tick Tick (or any tick when 0) degraded with Reason;
	//   an empty Reason with a Tick asserts that tick was stable
	// - "row_ids_stable": row ids of list List on Key never moved between
	//   items, and equal Rows at the end when Rows is set
	// - "diagnostic": diagnostics with Code (optionally on Key) were emitted,
	//   exactly Count times when Count is set
	Type string `yaml:"type"`

	Key   string `yaml:"key,omitempty"`
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`

	Count *int `yaml:"count,omitempty"`

	Tick   int64  `yaml:"tick,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	List string   `yaml:"list,omitempty"`
	Rows []string `yaml:"rows,omitempty"`

	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertStateEquals   = "state_equals"
	AssertTickCount     = "tick_count"
	AssertDegradeReason = "degrade_reason"
	AssertRowIDsStable  = "row_ids_stable"
	AssertDiagnostic    = "diagnostic"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
//
// The modules directory is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Modules != "" && !filepath.IsAbs(scenario.Modules) {
		scenario.Modules = filepath.Join(filepath.Dir(path), scenario.Modules)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if _, err := os.Stat(scenario.Modules); err != nil {
		return nil, fmt.Errorf("invalid scenario: modules directory not found: %s", scenario.Modules)
	}

	return scenario, nil
}

// ParseScenario decodes scenario YAML without resolving paths.
// Config keys absent from the document keep config.Default values.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{Config: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Modules == "" {
		return fmt.Errorf("modules directory is required")
	}

	if len(s.Instances) == 0 {
		return fmt.Errorf("instances list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Config != (config.Config{}) {
		if err := s.Config.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	for i, inst := range s.Instances {
		if _, err := ir.ParseKey(inst.Key); err != nil {
			return fmt.Errorf("instances[%d]: %w", i, err)
		}
	}

	for i, l := range s.Links {
		if err := validateLink(l); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}

	if err := validateSteps("steps", s.Steps); err != nil {
		return err
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

func validateLink(l LinkSpec) error {
	if _, err := ir.ParseKey(l.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if _, err := ir.ParseKey(l.Target); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if l.SourcePath == "" || l.TargetPath == "" {
		return fmt.Errorf("source_path and target_path are required")
	}
	return nil
}

func validateSteps(prefix string, steps []Step) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", prefix, i)

		set := 0
		if step.Write != nil {
			set++
		}
		if step.Select != nil {
			set++
		}
		if step.Flush {
			set++
		}
		if step.Batch != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%s: exactly one of write, select, flush, batch is required", at)
		}

		switch {
		case step.Write != nil:
			if err := validateWrite(step.Write); err != nil {
				return fmt.Errorf("%s.write: %w", at, err)
			}
		case step.Select != nil:
			if _, err := ir.ParseKey(step.Select.Key); err != nil {
				return fmt.Errorf("%s.select: %w", at, err)
			}
			if step.Select.Topic == "" {
				return fmt.Errorf("%s.select: topic is required", at)
			}
			if _, err := ir.ParsePriority(step.Select.Priority); err != nil {
				return fmt.Errorf("%s.select: %w", at, err)
			}
		case step.Batch != nil:
			if len(step.Batch) == 0 {
				return fmt.Errorf("%s: batch must be non-empty", at)
			}
			for j, inner := range step.Batch {
				if inner.Write == nil && inner.Select == nil {
					return fmt.Errorf("%s.batch[%d]: only write and select steps can be batched", at, j)
				}
			}
			if err := validateSteps(at+".batch", step.Batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateWrite(w *WriteStep) error {
	if _, err := ir.ParseKey(w.Key); err != nil {
		return err
	}
	if _, err := ir.ParsePriority(w.Priority); err != nil {
		return err
	}
	switch w.Op {
	case OpSet:
		if w.Path == "" {
			return fmt.Errorf("path is required for set")
		}
	case OpAppend:
		if w.Path == "" {
			return fmt.Errorf("path is required for append")
		}
	case OpRemove:
		if w.Path == "" {
			return fmt.Errorf("path is required for remove")
		}
		if w.Index == nil || *w.Index < 0 {
			return fmt.Errorf("a non-negative index is required for remove")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q: want set, append or remove", w.Op)
	}
	switch ir.OriginKind(w.Origin) {
	case "", ir.OriginDispatch, ir.OriginExternalStore, ir.OriginTimer, ir.OriginUnknown:
	default:
		return fmt.Errorf("unknown origin %q", w.Origin)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStateEquals:
		if _, err := ir.ParseKey(a.Key); err != nil {
			return fmt.Errorf("assertions[%d]: key: %w", index, err)
		}
		if _, err := ir.FromGo(a.Value); err != nil {
			return fmt.Errorf("assertions[%d]: value: %w", index, err)
		}
	case AssertTickCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for tick_count", index)
		}
	case AssertDegradeReason:
		if a.Tick == 0 && a.Reason == "" {
			return fmt.Errorf("assertions[%d]: tick or reason is required for degrade_reason", index)
		}
	case AssertRowIDsStable:
		if _, err := ir.ParseKey(a.Key); err != nil {
			return fmt.Errorf("assertions[%d]: key: %w", index, err)
		}
		if a.List == "" {
			return fmt.Errorf("assertions[%d]: list is required for row_ids_stable", index)
		}
	case AssertDiagnostic:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for diagnostic", index)
		}
		if a.Key != "" {
			if _, err := ir.ParseKey(a.Key); err != nil {
				return fmt.Errorf("assertions[%d]: key: %w", index, err)
			}
		}
		if a.Count != nil && *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
