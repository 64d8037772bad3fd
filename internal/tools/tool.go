// Package tools defines the tool-execution contract: named tools with
// declared JSON argument schemas, a per-workspace registry, and the
// executor that validates arguments, runs tools, and emits lifecycle
// events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/davybot/dawei/internal/llm"
)

// Tool is a named function the model can invoke.
type Tool interface {
	// Name is the unique tool name exposed to the model.
	Name() string
	// Description tells the model what the tool does.
	Description() string
	// Schema is the JSON Schema of the tool's arguments.
	Schema() json.RawMessage
	// Execute runs the tool. Progress callbacks reach the executor through
	// ReportProgress on the context.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is a tool's outcome, fed back to the model as a tool message.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// progressKey carries the executor's progress sink through tool contexts.
type progressKey struct{}

// ProgressFunc receives tool-driven progress updates. Percentage is nil
// when the tool cannot quantify progress.
type ProgressFunc func(message string, percentage *float64)

// WithProgress attaches a progress sink to a tool execution context.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards a progress update to the executor, when a sink
// is attached.
func ReportProgress(ctx context.Context, message string, percentage *float64) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(message, percentage)
	}
}

type callIDKey struct{}

// WithCallID attaches the originating tool_call_id to an execution context.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the tool_call_id of the current execution, if any.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Registry is the per-workspace set of tools available to agents.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions renders every registered tool for the LLM request.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// NotFoundError reports a tool name with no registration.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return "tool not found: " + e.Name
}

// DuplicateCallError aborts a turn that keeps repeating the same call.
type DuplicateCallError struct {
	Name      string
	Arguments string
}

func (e *DuplicateCallError) Error() string {
	return fmt.Sprintf("duplicate tool call: %s invoked repeatedly with identical arguments", e.Name)
}

// ArgumentError carries a schema validation failure verbatim so the model
// can self-correct.
type ArgumentError struct {
	Name  string
	Cause error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Name, e.Cause)
}

func (e *ArgumentError) Unwrap() error {
	return e.Cause
}
