// Package tools is the effector registry: the set of actions the model
// may request (shell, files, email, web, phone, memory) and the single
// Execute entry point the agent loop calls them through.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/clawdbot/kiki/internal/llm"
)

// ErrorPrefix marks a failed result when it is rendered as text for the
// model.
const ErrorPrefix = "ERROR: "

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// Properties is the JSON Schema "properties" object of the input.
	Properties map[string]any
	Required   []string
	Handler    Handler
}

// Schema returns the description the model sees.
func (t *Tool) Schema() llm.ToolSchema {
	props := t.Properties
	if props == nil {
		props = map[string]any{}
	}
	return llm.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: llm.InputSchema{
			Type:       "object",
			Properties: props,
			Required:   t.Required,
		},
	}
}

// Result is the outcome of one tool call: a text payload or an error,
// never both.
type Result struct {
	Content string
	Err     error
}

// Failed reports whether the call failed.
func (r Result) Failed() bool { return r.Err != nil }

// Text renders the result for the model. Failures are prefixed with
// ErrorPrefix.
func (r Result) Text() string {
	if r.Err != nil {
		return ErrorPrefix + r.Err.Error()
	}
	if r.Content == "" {
		return "(no output)"
	}
	return r.Content
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns every tool's schema, sorted by name so the prompt is
// stable across turns.
func (r *Registry) Describe() []llm.ToolSchema {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// Execute runs a tool. It never panics: a handler panic is recovered
// into a failed Result. An unregistered name yields ErrToolUnavailable.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	tool := r.Get(name)
	if tool == nil {
		return Result{Err: &ErrToolUnavailable{ToolName: name}}
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			res = Result{Err: fmt.Errorf("tool %s crashed: %v", name, p)}
		}
		r.logger.Debug("tool executed", "tool", name, "duration", time.Since(start), "failed", res.Failed())
	}()

	content, err := tool.Handler(ctx, args)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Content: content}
}
