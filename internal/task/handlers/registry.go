// Package handlers holds the named task handlers that cron jobs run.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentd/internal/extensions"
)

// Func runs one task with its keyword arguments.
type Func func(ctx context.Context, kwargs map[string]any) (any, error)

// Registry maps task names to handlers. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry { return &Registry{m: map[string]Func{}} }

// Register adds or replaces a handler.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("task %s: handler is nil", name)
	}
	r.mu.Lock()
	r.m[name] = fn
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.m[strings.TrimSpace(name)]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ExposeBuiltins offers the named handlers to extension manifests as
// "builtin:<name>" executors.
func (r *Registry) ExposeBuiltins(res *extensions.Resolver, names ...string) {
	for _, n := range names {
		fn, ok := r.Lookup(n)
		if !ok {
			continue
		}
		res.RegisterBuiltin(n, extensions.InvokerFunc(fn))
	}
}
