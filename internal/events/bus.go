// Package events provides the typed publish/subscribe bus that carries
// agent events from the streaming pipeline to the WebSocket layer. Each
// agent owns its own bus; a process-global bus receives tool-execution
// events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Type names an event stream on the bus.
type Type string

// Event types produced by the agent pipeline.
const (
	TaskNodeStart    Type = "task_node_start"
	TaskNodeProgress Type = "task_node_progress"
	TaskNodeComplete Type = "task_node_complete"

	StreamReasoning Type = "stream_reasoning"
	StreamContent   Type = "stream_content"
	StreamToolCall  Type = "stream_tool_call"
	StreamUsage     Type = "stream_usage"
	StreamComplete  Type = "stream_complete"

	ToolCallStart    Type = "tool_call_start"
	ToolCallProgress Type = "tool_call_progress"
	ToolCallResult   Type = "tool_call_result"

	FollowupQuestion Type = "followup_question"
	FollowupResponse Type = "followup_response"

	LLMAPIRequest  Type = "llm_api_request"
	LLMAPIComplete Type = "llm_api_complete"

	AgentComplete Type = "agent_complete"
	AgentStopped  Type = "agent_stopped"
	ErrorOccurred Type = "error"

	CheckpointCreated Type = "checkpoint_created"
	PersistFailure    Type = "persist_failure"

	PDCACycleStart   Type = "pdca_cycle_start"
	PDCAStatusUpdate Type = "pdca_status_update"
	PDCAPhaseAdvance Type = "pdca_phase_advance"
	PDCACycleDone    Type = "pdca_cycle_complete"
)

// HandlerID is the opaque registration handle returned by AddHandler.
// Handlers are removed by id, never by function identity.
type HandlerID string

// Handler receives events. Handlers may block; Emit waits for each in turn.
type Handler func(ctx context.Context, data any)

type registration struct {
	id HandlerID
	fn Handler
}

// Bus is a typed pub/sub bus. Handlers run in registration order; a panic
// in one handler is logged and does not cancel its siblings.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]registration
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]registration),
		logger:   slog.With("component", "events"),
	}
}

// AddHandler subscribes fn to an event type and returns its handler id.
func (b *Bus) AddHandler(eventType Type, fn Handler) HandlerID {
	id := HandlerID(uuid.NewString())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], registration{id: id, fn: fn})
	return id
}

// RemoveHandler unsubscribes a handler by id. It reports whether a handler
// was removed.
func (b *Bus) RemoveHandler(eventType Type, id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll drops every handler for the given type. With no type it clears
// the whole bus.
func (b *Bus) RemoveAll(eventTypes ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventTypes) == 0 {
		b.handlers = make(map[Type][]registration)
		return
	}
	for _, t := range eventTypes {
		delete(b.handlers, t)
	}
}

// HandlerCount returns the number of handlers for a type.
func (b *Bus) HandlerCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Emit delivers data to every handler of the type, in registration order,
// waiting for each.
func (b *Bus) Emit(ctx context.Context, eventType Type, data any) {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	for _, reg := range regs {
		b.invoke(ctx, eventType, reg, data)
	}
}

func (b *Bus) invoke(ctx context.Context, eventType Type, reg registration, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", eventType,
				"handler_id", reg.id,
				"panic", fmt.Sprint(r))
		}
	}()
	reg.fn(ctx, data)
}

var (
	globalBus  *Bus
	globalOnce sync.Once
)

// Global returns the process-wide bus carrying tool-execution events.
func Global() *Bus {
	globalOnce.Do(func() {
		globalBus = NewBus()
	})
	return globalBus
}
