package tools

import "context"

// Invocation carries everything a tool needs to run one step. Inputs are
// resolved from the variable context in the order the step declares them.
type Invocation struct {
	Tool     string
	Function string
	Persona  string
	Inputs   []Input
}

// Input is one named value from the variable context.
type Input struct {
	Name  string
	Value any
}

// InputMap returns the inputs keyed by name.
func (inv *Invocation) InputMap() map[string]any {
	m := make(map[string]any, len(inv.Inputs))
	for _, in := range inv.Inputs {
		m[in.Name] = in.Value
	}
	return m
}

// Invoker executes one function of a registered tool. Implementations wrap
// external calculation services, document generators, and similar backends.
// The engine treats the result as opaque; it never computes domain results
// itself.
type Invoker interface {
	// Tool returns the tool name this invoker serves.
	Tool() string
	// Functions returns the function names this invoker accepts.
	Functions() []string
	// Idempotent reports whether repeating a call with the same inputs is
	// safe. Only idempotent invokers may be wrapped with retries.
	Idempotent() bool
	// Invoke runs the function and returns its result.
	Invoke(ctx context.Context, inv Invocation) (any, error)
}

// InvokerFunc adapts a function to a single-function Invoker.
type InvokerFunc struct {
	ToolName     string
	FunctionName string
	Safe         bool
	Fn           func(ctx context.Context, inv Invocation) (any, error)
}

func (f *InvokerFunc) Tool() string        { return f.ToolName }
func (f *InvokerFunc) Functions() []string { return []string{f.FunctionName} }
func (f *InvokerFunc) Idempotent() bool    { return f.Safe }

func (f *InvokerFunc) Invoke(ctx context.Context, inv Invocation) (any, error) {
	return f.Fn(ctx, inv)
}
