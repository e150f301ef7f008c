package qjob

import "sync"

// Registry maps job names to specs and enforces name uniqueness.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]JobSpec
	order []string
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]JobSpec)}
}

// Register stores a copy of spec.
func (r *Registry) Register(spec JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return &DuplicateJobError{Name: spec.Name}
	}
	r.specs[spec.Name] = spec.Clone()
	r.order = append(r.order, spec.Name)
	return nil
}

// Resolve returns a copy of the spec registered under name.
func (r *Registry) Resolve(name string) (JobSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return JobSpec{}, &NotFoundError{Name: name}
	}
	return spec.Clone(), nil
}

// Specs returns copies of every spec in registration order.
func (r *Registry) Specs() []JobSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name].Clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
