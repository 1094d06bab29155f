package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobcluster/internal/errs"
)

// Handler runs one task. Returned errors follow the queue ack rules: a
// status >= 500 asks for redelivery of the whole job.
type Handler func(ctx context.Context, opts Options) error

// Registry maps module.method names to handlers.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{modules: map[string]map[string]Handler{}}
}

// Register adds or replaces module.method.
func (r *Registry) Register(module, method string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s.%s: nil handler", module, method)
	}
	if !ValidTaskName(module + "." + method) {
		return fmt.Errorf("register %s.%s: invalid task name", module, method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.modules[module]
	if m == nil {
		m = map[string]Handler{}
		r.modules[module] = m
	}
	m[method] = h
	return nil
}

// RegisterModule adds every method of a module.
func (r *Registry) RegisterModule(module string, methods map[string]Handler) error {
	for name, h := range methods {
		if err := r.Register(module, name, h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a module.method name. Unknown names fail with a 404.
func (r *Registry) Lookup(name string) (Handler, error) {
	module, method, ok := strings.Cut(name, ".")
	if ok {
		r.mu.RLock()
		h := r.modules[module][method]
		r.mu.RUnlock()
		if h != nil {
			return h, nil
		}
	}
	return nil, errs.Wrap(errs.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownTask, name))
}

// Names lists every registered task, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for module, methods := range r.modules {
		for method := range methods {
			out = append(out, module+"."+method)
		}
	}
	sort.Strings(out)
	return out
}
