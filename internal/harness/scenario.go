package harness

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/resync/internal/recovery"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// Scenario is a scripted client session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Scope is the scope the client opens. Defaults to "P".
	Scope string `yaml:"scope,omitempty"`

	// Seed makes sample data reproducible. Defaults to testutil.DefaultSeed.
	Seed uint64 `yaml:"seed,omitempty"`

	// Timeout bounds each waiting step. Defaults to DefaultTimeout.
	Timeout string `yaml:"timeout,omitempty"`

	// Mode is the client reset mode, "manual" or "discard-local".
	// Defaults to manual.
	Mode string `yaml:"mode,omitempty"`

	// Faults injects failures into the client.
	Faults Faults `yaml:"faults,omitempty"`

	// Steps run in order against one client, restarted by "restart".
	Steps []Step `yaml:"steps"`
}

// Faults are failure injections.
type Faults struct {
	// BackupFails makes every backup rename fail.
	BackupFails bool `yaml:"backup_fails,omitempty"`
}

// Step is one action and the observations expected after it.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Expect lists observations; only set fields are checked.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match over a step's observations.
type Expect struct {
	Strategy     string `yaml:"strategy,omitempty"`
	Outcome      string `yaml:"outcome,omitempty"`
	State        string `yaml:"state,omitempty"`
	Inserted     *int   `yaml:"inserted,omitempty"`
	Updated      *int   `yaml:"updated,omitempty"`
	Count        *int   `yaml:"count,omitempty"`
	BackupExists *bool  `yaml:"backup_exists,omitempty"`
	Registered   *bool  `yaml:"registered,omitempty"`
}

// Step actions.
const (
	ActionConnect = "connect" // log in and open the scope
	ActionInsert  = "insert"  // insert or update the sample batch
	ActionRestart = "restart" // close the client and start a new one on the same files
	ActionReset   = "reset"   // diverge the scope on the server and wait for recovery
	ActionRevoke  = "revoke"  // revoke the access token and wait for recovery
	ActionExpect  = "expect"  // observe without acting
)

// Recovery outcomes.
const (
	OutcomeLive   = "live"
	OutcomeFailed = "failed"
)

// DefaultTimeout bounds each waiting step.
const DefaultTimeout = 10 * time.Second

var validActions = map[string]bool{
	ActionConnect: true,
	ActionInsert:  true,
	ActionRestart: true,
	ActionReset:   true,
	ActionRevoke:  true,
	ActionExpect:  true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario is LoadScenario for an in-memory document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expects:" vs "expect:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Builtin loads a scenario shipped with the binary by name.
func Builtin(name string) (*Scenario, error) {
	data, err := builtin.ReadFile(path.Join("scenarios", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return ParseScenario(data)
}

// BuiltinNames lists the shipped scenarios.
func BuiltinNames() []string {
	entries, _ := fs.ReadDir(builtin, "scenarios")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

func (s *Scenario) timeout() time.Duration {
	if s.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
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
	if s.Timeout != "" {
		if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("timeout %q is not a positive duration", s.Timeout)
		}
	}

	if _, err := recovery.ParseMode(s.Mode); err != nil {
		return err
	}

	for i, step := range s.Steps {
		if step.Action == "" {
			return fmt.Errorf("steps[%d]: action is required", i)
		}
		if !validActions[step.Action] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if step.Action == ActionExpect && step.Expect == nil {
			return fmt.Errorf("steps[%d]: expect is required for expect steps", i)
		}
		if err := validateExpect(i, step.Expect); err != nil {
			return err
		}
	}
	return nil
}

func validateExpect(index int, e *Expect) error {
	if e == nil {
		return nil
	}
	switch e.Strategy {
	case "", "cold", "warm":
	default:
		return fmt.Errorf("steps[%d].expect: unknown strategy %q", index, e.Strategy)
	}
	switch e.Outcome {
	case "", OutcomeLive, OutcomeFailed:
	default:
		return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, e.Outcome)
	}
	return nil
}
