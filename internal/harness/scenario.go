package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed scenario.cue
var scenarioSchema string

// Scenario is one scripted cart session.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Currency of the session. Default: USD.
	Currency string `yaml:"currency,omitempty"`

	// Initial lines exist on the backend and in the controller before the
	// first step, already confirmed.
	Initial []LineSpec `yaml:"initial,omitempty"`

	Backend BackendSpec `yaml:"backend,omitempty"`

	// Retry overrides the default policy (3 retries, 200ms base delay).
	Retry *RetrySpec `yaml:"retry,omitempty"`

	// Steps run in order. Each step settles completely before the next
	// starts.
	Steps []Step `yaml:"steps"`

	Expect Expect `yaml:"expect,omitempty"`
}

// LineSpec describes a line to seed or an item to add.
type LineSpec struct {
	MerchandiseID string `yaml:"merchandise_id"`
	Quantity      int    `yaml:"quantity,omitempty"`
	// Price is a decimal amount in major units, e.g. "10.00".
	Price string `yaml:"price,omitempty"`
	Title string `yaml:"title,omitempty"`
}

// BackendSpec scripts the in-memory backend. Keys are server action
// names (addToCart, updateQuantity, removeItem); outcomes are ok, error
// or reject.
type BackendSpec struct {
	CartID   string              `yaml:"cart_id,omitempty"`
	Script   map[string][]string `yaml:"script,omitempty"`
	Fallback map[string]string   `yaml:"fallback,omitempty"`
}

type RetrySpec struct {
	MaxRetries int           `yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `yaml:"base_delay,omitempty"`
}

// Step holds exactly one action.
type Step struct {
	Add    *LineSpec     `yaml:"add,omitempty"`
	Update *QuantitySpec `yaml:"update,omitempty"`
	Remove string        `yaml:"remove,omitempty"`
	Step   *StepSpec     `yaml:"step,omitempty"`

	// Concurrent submits its mutations back to back, before any of their
	// server calls completes.
	Concurrent []Step `yaml:"concurrent,omitempty"`

	// RetryLast clicks Retry on the newest error toast.
	RetryLast bool `yaml:"retry_last,omitempty"`

	ClearErrors bool `yaml:"clear_errors,omitempty"`
}

type QuantitySpec struct {
	MerchandiseID string `yaml:"merchandise_id"`
	Quantity      int    `yaml:"quantity"`
}

type StepSpec struct {
	MerchandiseID string `yaml:"merchandise_id"`
	Step          string `yaml:"step"`
}

// Expect holds the checks applied after the last step. Unset fields are
// not checked. Lines, when present, must match exactly and in order.
type Expect struct {
	Lines         []LineExpect    `yaml:"lines,omitempty"`
	TotalQuantity *int            `yaml:"total_quantity,omitempty"`
	Total         string          `yaml:"total,omitempty"`
	Version       *int64          `yaml:"version,omitempty"`
	CartID        string          `yaml:"cart_id,omitempty"`
	Calls         map[string]int  `yaml:"calls,omitempty"`
	Delays        []time.Duration `yaml:"delays,omitempty"`
	Errors        *int            `yaml:"errors,omitempty"`
	Toasts        []string        `yaml:"toasts,omitempty"`
	Statuses      []string        `yaml:"statuses,omitempty"`
}

type LineExpect struct {
	MerchandiseID string `yaml:"merchandise_id"`
	Quantity      int    `yaml:"quantity"`
}

// actions counts the actions set on a step.
func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Add != nil,
		s.Update != nil,
		s.Remove != "",
		s.Step != nil,
		len(s.Concurrent) > 0,
		s.RetryLast,
		s.ClearErrors,
	} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or fails the scenario schema.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(path, data)
}

// ParseScenario parses scenario YAML. filename is used in error messages.
func ParseScenario(filename string, data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := checkSchema(filename, data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
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
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("step %d: expected exactly one action, got %d", i+1, n)
		}
		for j, inner := range step.Concurrent {
			if inner.actions() != 1 || len(inner.Concurrent) > 0 || inner.RetryLast || inner.ClearErrors {
				return fmt.Errorf("step %d.%d: concurrent steps must each be a single add, update, remove or step", i+1, j+1)
			}
		}
	}
	return nil
}

// checkSchema validates the raw YAML against the embedded CUE schema.
func checkSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(scenarioSchema, cue.Filename("scenario.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return err
	}

	def := schema.LookupPath(cue.ParsePath("#Scenario"))
	return def.Unify(doc).Validate(cue.Concrete(true))
}
