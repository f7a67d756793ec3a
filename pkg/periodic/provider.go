package periodic

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/taskguard/pkg/supervisor"
)

// ErrCannotProvide is returned when a provider cannot produce a task at all.
var ErrCannotProvide = errors.New("provider cannot produce a task")

// Provider hands out a fresh task instance for every iteration.
//
// CanProvide is a side-effect free capability check. Provide may still fail,
// for instance if conditions changed since the check.
type Provider interface {
	CanProvide() bool
	Provide() (supervisor.Task, error)
}

// Factory is a Provider backed by a constructor function.
type Factory func() (supervisor.Task, error)

func (f Factory) CanProvide() bool { return f != nil }

func (f Factory) Provide() (supervisor.Task, error) {
	if f == nil {
		return nil, ErrCannotProvide
	}
	return f()
}

// Registry is a named set of factories. Providers obtained from it resolve
// their factory on every call, so a task registered after the provider was
// created is still found.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

// Provider returns a Provider that resolves name in the registry.
func (r *Registry) Provider(name string) Provider {
	return registryProvider{registry: r, name: name}
}

type registryProvider struct {
	registry *Registry
	name     string
}

func (p registryProvider) CanProvide() bool {
	return p.registry.lookup(p.name) != nil
}

func (p registryProvider) Provide() (supervisor.Task, error) {
	f := p.registry.lookup(p.name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s is not registered", ErrCannotProvide, p.name)
	}
	task, err := f()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", p.name, err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s factory returned nil", ErrCannotProvide, p.name)
	}
	return task, nil
}
