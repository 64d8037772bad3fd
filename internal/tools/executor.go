package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/pkg/models"
)

// duplicateWindow is how many trailing assistant messages the duplicate
// guard inspects.
const duplicateWindow = 3

// StartEvent announces a tool invocation.
type StartEvent struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolCallID string          `json:"tool_call_id"`
}

// ProgressEvent carries a tool-driven progress update.
type ProgressEvent struct {
	ToolName   string   `json:"tool_name"`
	ToolCallID string   `json:"tool_call_id"`
	Message    string   `json:"message"`
	Percentage *float64 `json:"percentage,omitempty"`
}

// ResultEvent reports a finished tool invocation, including failures.
type ResultEvent struct {
	ToolName      string        `json:"tool_name"`
	ToolCallID    string        `json:"tool_call_id"`
	Result        string        `json:"result"`
	IsError       bool          `json:"is_error"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Executor resolves tool calls against a registry, validates arguments,
// and emits lifecycle events on the agent bus and the global bus.
type Executor struct {
	registry *Registry
	bus      *events.Bus
	logger   *slog.Logger

	// Timeout bounds a single tool execution.
	Timeout time.Duration
}

// NewExecutor creates an executor publishing on the given agent bus.
func NewExecutor(registry *Registry, bus *events.Bus) *Executor {
	return &Executor{
		registry: registry,
		bus:      bus,
		logger:   slog.With("component", "tools.executor"),
		Timeout:  60 * time.Second,
	}
}

// emit publishes on the agent bus and mirrors onto the global bus.
func (e *Executor) emit(ctx context.Context, eventType events.Type, data any) {
	if e.bus != nil {
		e.bus.Emit(ctx, eventType, data)
	}
	events.Global().Emit(ctx, eventType, data)
}

// CheckDuplicate aborts a looping turn: when each of the last three
// assistant messages carrying tool calls contains this exact call — same
// name, byte-identical arguments — the turn is refusing to converge.
func (e *Executor) CheckDuplicate(conv *models.Conversation, call models.ToolCall) error {
	if conv == nil {
		return nil
	}
	matches := 0
	seen := 0
	for i := len(conv.Messages) - 1; i >= 0 && seen < duplicateWindow; i-- {
		msg := conv.Messages[i]
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		seen++
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name == call.Function.Name && tc.Function.Arguments == call.Function.Arguments {
				matches++
				break
			}
		}
	}
	if seen >= duplicateWindow && matches >= duplicateWindow {
		return &DuplicateCallError{Name: call.Function.Name, Arguments: call.Function.Arguments}
	}
	return nil
}

// Execute runs one tool call to completion. The returned result is never
// nil: failures come back as error results so the model can self-correct.
// Validation failures carry the schema error verbatim.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *Result {
	start := time.Now()

	tool, ok := e.registry.Get(call.Function.Name)
	if !ok {
		err := &NotFoundError{Name: call.Function.Name}
		e.emitResult(ctx, call, err.Error(), true, time.Since(start))
		return &Result{Content: err.Error(), IsError: true}
	}

	args, err := e.prepareArguments(tool, call)
	if err != nil {
		e.emitResult(ctx, call, err.Error(), true, time.Since(start))
		return &Result{Content: err.Error(), IsError: true}
	}

	e.emit(ctx, events.ToolCallStart, StartEvent{
		ToolName:   call.Function.Name,
		ToolInput:  args,
		ToolCallID: call.ID,
	})

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	execCtx = WithCallID(execCtx, call.ID)
	execCtx = WithProgress(execCtx, func(message string, percentage *float64) {
		e.emit(ctx, events.ToolCallProgress, ProgressEvent{
			ToolName:   call.Function.Name,
			ToolCallID: call.ID,
			Message:    message,
			Percentage: percentage,
		})
	})

	result, err := tool.Execute(execCtx, args)
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Warn("tool failed", "tool", call.Function.Name, "error", err)
		e.emitResult(ctx, call, err.Error(), true, elapsed)
		return &Result{Content: err.Error(), IsError: true}
	}
	if result == nil {
		result = &Result{}
	}
	e.emitResult(ctx, call, result.Content, result.IsError, elapsed)
	return result
}

func (e *Executor) emitResult(ctx context.Context, call models.ToolCall, content string, isError bool, elapsed time.Duration) {
	e.emit(ctx, events.ToolCallResult, ResultEvent{
		ToolName:      call.Function.Name,
		ToolCallID:    call.ID,
		Result:        content,
		IsError:       isError,
		ExecutionTime: elapsed,
	})
}

// prepareArguments parses, recovers, and validates a call's arguments
// against the tool's declared schema.
func (e *Executor) prepareArguments(tool Tool, call models.ToolCall) (json.RawMessage, error) {
	raw := call.Function.Arguments
	if raw == "" {
		raw = "{}"
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ArgumentError{Name: tool.Name(), Cause: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}

	// Some providers stringify object-typed parameters. Decode such fields
	// one level before validation; never retried on failure.
	if obj, ok := parsed.(map[string]any); ok {
		recoverStringifiedObjects(tool.Schema(), obj)
		parsed = obj
	}

	schema, err := jsonschema.CompileString(tool.Name()+".schema.json", string(tool.Schema()))
	if err != nil {
		return nil, &ArgumentError{Name: tool.Name(), Cause: fmt.Errorf("tool schema is invalid: %w", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, &ArgumentError{Name: tool.Name(), Cause: err}
	}

	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil, &ArgumentError{Name: tool.Name(), Cause: err}
	}
	return normalized, nil
}

// recoverStringifiedObjects decodes string values for properties the schema
// types as object. One level only; a string that fails to decode is left
// untouched for the validator to reject.
func recoverStringifiedObjects(schemaRaw json.RawMessage, args map[string]any) {
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schemaRaw, &schema); err != nil {
		return
	}
	for name, prop := range schema.Properties {
		if prop.Type != "object" {
			continue
		}
		if s, ok := args[name].(string); ok {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				args[name] = decoded
			}
		}
	}
}
