// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"fmt"
	"sort"
)

// Function is one registered orchestration or admin function. args
// are the positional arguments off the wire, kwargs the keyword
// arguments; both may be nil.
type Function func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps function names to handlers. Names are registered at
// daemon startup and looked up per request; an unknown name is an
// invocation failure, not a reflection error. Registration is not
// synchronized — register everything before serving.
type Registry struct {
	functions map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

// Register adds a function under name. Panics on a duplicate name:
// two handlers claiming the same function is a programming error
// worth failing startup over.
func (r *Registry) Register(name string, fn Function) {
	if name == "" {
		panic("gate.Registry: empty function name")
	}
	if fn == nil {
		panic(fmt.Sprintf("gate.Registry: nil function for %q", name))
	}
	if _, exists := r.functions[name]; exists {
		panic(fmt.Sprintf("gate.Registry: duplicate function %q", name))
	}
	r.functions[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
