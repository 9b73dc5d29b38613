package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for the pipeline package.
var (
	// ErrStepAlreadyRegistered is returned when registering a duplicate step.
	ErrStepAlreadyRegistered = errors.New("step already registered")

	// ErrStepNotFound is returned when a step or dependency is not found.
	ErrStepNotFound = errors.New("step not found")

	// ErrDependencyCycle is returned when step dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

// Registry manages the steps and their dependencies.
type Registry struct {
	mu    sync.RWMutex
	steps map[StepID]Step
	deps  map[StepID][]StepID
	order []StepID // Maintains registration order
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[StepID]Step),
		deps:  make(map[StepID][]StepID),
		order: make([]StepID, 0),
	}
}

// Register adds a step that runs after dependsOn.
// Returns an error if a step with the same ID is already registered.
func (r *Registry) Register(s Step, dependsOn ...StepID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, exists := r.steps[id]; exists {
		return fmt.Errorf("%w: %s", ErrStepAlreadyRegistered, id)
	}

	r.steps[id] = s
	r.deps[id] = append([]StepID(nil), dependsOn...)
	r.order = append(r.order, id)
	return nil
}

// Get returns a step by ID.
func (r *Registry) Get(id StepID) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.steps[id]
	return s, ok
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// Names returns all step names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	for i, id := range r.order {
		names[i] = r.steps[id].Name()
	}
	return names
}

// Ordered returns steps sorted by dependencies.
// Steps with no dependencies come first, then steps whose
// dependencies are satisfied, etc. When multiple steps have
// the same dependency level, registration order is preserved.
func (r *Registry) Ordered() ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked()
}

func (r *Registry) orderedLocked() ([]Step, error) {
	// Build in-degree count using r.order for deterministic iteration
	inDegree := make(map[StepID]int)
	for _, id := range r.order {
		inDegree[id] = 0
	}

	for _, id := range r.order {
		for _, dep := range r.deps[id] {
			if _, ok := r.steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on %s", ErrStepNotFound, id, dep)
			}
			inDegree[id]++
		}
	}

	// Kahn's algorithm for topological sort
	var queue []StepID
	for _, id := range r.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var ordered []Step
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		ordered = append(ordered, r.steps[id])

		// Decrease in-degree for dependents (iterate in registration order)
		for _, depID := range r.order {
			for _, dep := range r.deps[depID] {
				if dep == id {
					inDegree[depID]--
					if inDegree[depID] == 0 {
						queue = append(queue, depID)
					}
				}
			}
		}
	}

	if len(ordered) != len(r.steps) {
		return nil, ErrDependencyCycle
	}

	return ordered, nil
}

// From returns the ordered steps whose ID is at least start.
func (r *Registry) From(start StepID) ([]Step, error) {
	ordered, err := r.Ordered()
	if err != nil {
		return nil, err
	}
	out := make([]Step, 0, len(ordered))
	for _, s := range ordered {
		if s.ID() >= start {
			out = append(out, s)
		}
	}
	return out, nil
}

// Last returns the final step in dependency order.
func (r *Registry) Last() (Step, error) {
	ordered, err := r.Ordered()
	if err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return nil, ErrStepNotFound
	}
	return ordered[len(ordered)-1], nil
}

// Validate checks that all dependencies exist and form no cycle.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.orderedLocked()
	return err
}

// DependenciesOf returns the steps that id depends on.
func (r *Registry) DependenciesOf(id StepID) []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var deps []Step
	for _, depID := range r.deps[id] {
		if dep, ok := r.steps[depID]; ok {
			deps = append(deps, dep)
		}
	}
	return deps
}
