package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/remote/memremote"
)

// Scenario is a scripted run against one shared remote.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tabs names the independent clients. Defaults to a single tab "a".
	Tabs []string `yaml:"tabs,omitempty"`

	// Config overrides engine settings using the config file schema.
	Config yaml.Node `yaml:"config,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one scripted action.
type Step struct {
	// Do is the step kind.
	Do string `yaml:"do"`

	// Tab runs the step on a specific client. Defaults to the first tab.
	Tab string `yaml:"tab,omitempty"`

	Key           string         `yaml:"key,omitempty"`
	Content       map[string]any `yaml:"content,omitempty"`
	KnownRevision uint64         `yaml:"known_revision,omitempty"`

	// Duration is used by advance.
	Duration string `yaml:"duration,omitempty"`

	// Op and Count are used by fail_remote.
	Op    string `yaml:"op,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Choice is used by resolve; manual takes Content.
	Choice string `yaml:"choice,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match on a step's outcome and result.
type Expect struct {
	Outcome string         `yaml:"outcome"`
	Result  map[string]any `yaml:",inline"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Args is a subset match on the event's args (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Tab selects whose state final_state reads. Defaults to the first tab.
	Tab string `yaml:"tab,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Actions is used by trace_order.
	Actions []string `yaml:"actions,omitempty"`
}

// Step kinds.
const (
	StepSave        = "save"
	StepLoad        = "load"
	StepOffline     = "offline"
	StepOnline      = "online"
	StepDrain       = "drain"
	StepAdvance     = "advance"
	StepFailRemote  = "fail_remote"
	StepRemoteWrite = "remote_write"
	StepResolve     = "resolve"
)

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Final state tables.
const (
	TableStatus      = "status"
	TableQueue       = "queue"
	TableDeadLetters = "dead_letters"
	TableConflicts   = "conflicts"
	TableRemote      = "remote"
)

var remoteOps = map[string]memremote.Op{
	"put":    memremote.OpPut,
	"get":    memremote.OpGet,
	"delete": memremote.OpDelete,
	"meta":   memremote.OpMeta,
	"cas":    memremote.OpCAS,
}

var resolveChoices = map[string]bool{
	string(conflict.KeepLocal):  true,
	string(conflict.KeepRemote): true,
	string(conflict.Manual):     true,
	"abandon":                   true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface instead of being ignored.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(scenario.Tabs) == 0 {
		scenario.Tabs = []string{"a"}
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	tabs := make(map[string]bool, len(s.Tabs))
	for _, t := range s.Tabs {
		if t == "" || tabs[t] {
			return fmt.Errorf("tabs: names must be unique and non-empty")
		}
		tabs[t] = true
	}

	for i, step := range s.Steps {
		if step.Tab != "" && !tabs[step.Tab] {
			return fmt.Errorf("steps[%d]: unknown tab %q", i, step.Tab)
		}
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if a.Tab != "" && !tabs[a.Tab] {
			return fmt.Errorf("assertions[%d]: unknown tab %q", i, a.Tab)
		}
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Do {
	case StepSave, StepRemoteWrite:
		if step.Key == "" {
			return fmt.Errorf("%s: key is required", step.Do)
		}
		if step.Content == nil {
			return fmt.Errorf("%s: content is required (use {} for empty)", step.Do)
		}
	case StepLoad:
		if step.Key == "" {
			return fmt.Errorf("load: key is required")
		}
	case StepOffline, StepOnline, StepDrain:
	case StepAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("advance: duration: %w", err)
		}
	case StepFailRemote:
		if _, ok := remoteOps[step.Op]; !ok {
			return fmt.Errorf("fail_remote: unknown op %q", step.Op)
		}
		if step.Count < 1 {
			return fmt.Errorf("fail_remote: count must be positive")
		}
	case StepResolve:
		if step.Key == "" {
			return fmt.Errorf("resolve: key is required")
		}
		if !resolveChoices[step.Choice] {
			return fmt.Errorf("resolve: unknown choice %q", step.Choice)
		}
		if step.Choice == string(conflict.Manual) && step.Content == nil {
			return fmt.Errorf("resolve: manual requires content")
		}
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		switch a.Table {
		case TableStatus, TableQueue, TableDeadLetters, TableConflicts, TableRemote:
		case "":
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		default:
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
