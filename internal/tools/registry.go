package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/girderhq/girder/pkg/schema"
)

// Registry is a thread-safe map of (tool, function) pairs to invokers.
// Schemas are validated against it at registration time, so an execution
// never discovers a missing tool mid-run.
type Registry struct {
	mu       sync.RWMutex
	invokers map[registryKey]Invoker
}

type registryKey struct {
	tool     string
	function string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[registryKey]Invoker),
	}
}

// Register adds an invoker under every function it declares.
// Returns error on duplicate (tool, function) pairs.
func (r *Registry) Register(inv Invoker) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "invoker is nil")
	}
	tool := inv.Tool()
	if tool == "" {
		return schema.NewError(schema.ErrCodeValidation, "invoker tool name is empty")
	}
	fns := inv.Functions()
	if len(fns) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invoker for tool %q declares no functions", tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, fn := range fns {
		key := registryKey{tool: tool, function: fn}
		if _, exists := r.invokers[key]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "tool function %s.%s already registered", tool, fn)
		}
	}
	for _, fn := range fns {
		r.invokers[registryKey{tool: tool, function: fn}] = inv
	}
	return nil
}

// Get retrieves the invoker for a (tool, function) pair.
func (r *Registry) Get(tool, function string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invokers[registryKey{tool: tool, function: function}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool function %s.%s not registered", tool, function)
	}
	return inv, nil
}

// Has checks whether a (tool, function) pair is registered.
func (r *Registry) Has(tool, function string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[registryKey{tool: tool, function: function}]
	return ok
}

// Invoke dispatches to the registered invoker.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (any, error) {
	invoker, err := r.Get(inv.Tool, inv.Function)
	if err != nil {
		return nil, err
	}
	return invoker.Invoke(ctx, inv)
}

// List returns all registered (tool, function) pairs as "tool.function",
// sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.invokers))
	for key := range r.invokers {
		names = append(names, key.tool+"."+key.function)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered (tool, function) pairs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.invokers)
}
