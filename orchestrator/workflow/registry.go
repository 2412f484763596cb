// Package workflow hosts the workflow bus: a registry of named workflow
// definitions, the self-describing input codec, and the execution path
// that owns metadata state transitions for a run.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Failure reason labels persisted to metadata.failureReason. Operators
// filter on these, so they are part of the wire surface.
const (
	ReasonSerialization   = "SerializationError"
	ReasonEnqueueFailed   = "EnqueueFailed"
	ReasonTimeout         = "Timeout"
	ReasonUnknownWorkflow = "UnknownWorkflow"
	ReasonCancelled       = "Cancelled"
)

// StepFunc is one named unit of a workflow. The run carries the decoded
// input and collects the output.
type StepFunc func(ctx context.Context, run *Run) error

// Step pairs a StepFunc with the name recorded as failureStep when it
// errors.
type Step struct {
	Name string
	Run  StepFunc
}

// Definition declares a runnable workflow: its bus lookup name, the wire
// name and factory for its input payload, the ordered steps, and the
// manifests it wants seeded (see SeedManifests).
type Definition struct {
	Name      string
	InputType string
	NewInput  func() any
	Steps     []Step
	Seeds     []SeedSpec
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow: definition missing a name")
	}
	if d.NewInput == nil {
		return fmt.Errorf("workflow: %s missing an input factory", d.Name)
	}
	if d.InputType == "" {
		return fmt.Errorf("workflow: %s missing an input type name", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow: %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, st := range d.Steps {
		if st.Name == "" || st.Run == nil {
			return fmt.Errorf("workflow: %s has an unnamed or empty step", d.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("workflow: %s declares step %q twice", d.Name, st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

// Registry maps workflow names to definitions. Registration is explicit;
// nothing is discovered by scanning or reflection, so the set of runnable
// workflows is exactly what start-up code registered.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Re-registering a name is an error: silent
// replacement would let two packages fight over a workflow.
func (r *Registry) Register(d *Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("workflow: %s already registered", d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// MustRegister panics on registration failure. For package init wiring.
func (r *Registry) MustRegister(d *Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get resolves a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names lists registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
