package stroom

import (
	"fmt"
	"sort"
	"sync"
)

// LazyWorkflow defers workflow construction until first use, so
// registration at import time stays cheap and free of ordering issues.
type LazyWorkflow func() *Workflow

// Registry is the process-wide mapping from workflow name to its lazy
// descriptor. Registration happens at boot; the map is never mutated
// once the engine starts dispatching.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	lazy LazyWorkflow
	once sync.Once
	wf   *Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a workflow under a unique name. Redefinition with the
// same name is an error: duplicate names are fatal at boot.
func (r *Registry) Register(name string, lazy LazyWorkflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.entries[name] = &registryEntry{lazy: lazy}
	return nil
}

// MustRegister is Register that panics on duplicate names. Intended for
// package-level workflow registration at import time.
func (r *Registry) MustRegister(name string, lazy LazyWorkflow) {
	if err := r.Register(name, lazy); err != nil {
		panic(err)
	}
}

// Get returns the instantiated workflow, or nil when the name is
// unknown. The descriptor is instantiated exactly once, on first use,
// and stamped with its registered name.
func (r *Registry) Get(name string) *Workflow {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.once.Do(func() {
		e.wf = e.lazy()
		e.wf.Name = name
	})
	return e.wf
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
