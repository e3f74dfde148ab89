package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Flow is an immutable, ordered sequence of steps loaded from the registry.
type Flow struct {
	Key   string `yaml:"key" validate:"required"`
	Title string `yaml:"title"`
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step is one unit of work within a flow.
type Step struct {
	ID     string   `yaml:"id" validate:"required"`
	Role   string   `yaml:"role" validate:"required"`
	Agents []string `yaml:"agents"`
	// Condition is an optional expression over {params, steps}; when it
	// evaluates to false the step is skipped.
	Condition string `yaml:"condition,omitempty"`
}

// FlowRegistry holds validated flow definitions, loaded once and read-only
// afterwards. The orchestrator never mutates a Flow.
type FlowRegistry struct {
	flows map[string]Flow
}

// NewFlowRegistry loads every *.yaml flow definition under flowsDir.
func NewFlowRegistry(flowsDir string) (*FlowRegistry, error) {
	files, err := filepath.Glob(filepath.Join(flowsDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("error reading flows directory: %w", err)
	}

	r := &FlowRegistry{flows: make(map[string]Flow)}
	for _, file := range files {
		flow, err := readFlow(file)
		if err != nil {
			return nil, err
		}
		if _, exists := r.flows[flow.Key]; exists {
			return nil, fmt.Errorf("duplicate flow key %q in %s", flow.Key, file)
		}
		r.flows[flow.Key] = flow
	}

	return r, nil
}

// Register adds a flow directly, validating it first. Used by tests and
// embedders that build flows in code.
func (r *FlowRegistry) Register(flow Flow) error {
	if err := validateFlow(flow); err != nil {
		return err
	}
	r.flows[flow.Key] = flow
	return nil
}

// GetFlow returns the flow for key, or an error when unknown.
func (r *FlowRegistry) GetFlow(key string) (Flow, error) {
	flow, ok := r.flows[key]
	if !ok {
		return Flow{}, newRunError(KindConfiguration, key, "", "unknown flow key %q", key)
	}
	return flow, nil
}

// Keys returns the registered flow keys.
func (r *FlowRegistry) Keys() []string {
	keys := make([]string, 0, len(r.flows))
	for k := range r.flows {
		keys = append(keys, k)
	}
	return keys
}

func readFlow(file string) (Flow, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Flow{}, fmt.Errorf("error reading flow file: %w", err)
	}

	var flow Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return Flow{}, fmt.Errorf("error unmarshalling flow %s: %w", file, err)
	}

	if err := validateFlow(flow); err != nil {
		return Flow{}, fmt.Errorf("invalid flow %s: %w", file, err)
	}

	return flow, nil
}

func validateFlow(flow Flow) error {
	if err := validate.Struct(flow); err != nil {
		return newRunError(KindConfiguration, flow.Key, "", "flow definition invalid: %v", err)
	}

	seen := make(map[string]bool, len(flow.Steps))
	for _, s := range flow.Steps {
		if seen[s.ID] {
			return newRunError(KindConfiguration, flow.Key, s.ID, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
