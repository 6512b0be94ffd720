// Package tools holds the functions the assistant may call during a run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tool is one callable function.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry maps function names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool with raw JSON arguments. Unknown names,
// malformed arguments and panics all come back as error results.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) (res *Result) {
	t, ok := r.Get(name)
	if !ok {
		slog.Warn("tools: unknown function", "name", name)
		return ErrorResult(fmt.Sprintf("unknown function: %s", name))
	}

	args := map[string]interface{}{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools: panic", "name", name, "panic", p)
			res = ErrorResult(fmt.Sprintf("%s failed", name))
		}
	}()

	start := time.Now()
	res = t.Execute(ctx, args)
	if res == nil {
		res = NewResult("{}")
	}
	slog.Info("tools: executed", "name", name, "error", res.IsError, "duration", time.Since(start))
	return res
}
