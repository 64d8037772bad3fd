package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/davybot/dawei/internal/agent"
	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/internal/tools"
	"github.com/davybot/dawei/pkg/models"
)

// forwarder translates agent bus events into their WebSocket counterparts,
// exactly once each, and maintains the llm_api_request/complete bracketing
// around each model call that streams content; a call that emits no content
// event gets no bracket.
type forwarder struct {
	session  *Session
	taskID   string
	provider string
	model    string

	mu        sync.Mutex
	apiActive bool
	apiStart  time.Time
}

func newForwarder(session *Session, taskID, provider, model string) *forwarder {
	return &forwarder{
		session:  session,
		taskID:   taskID,
		provider: provider,
		model:    model,
	}
}

// install registers the forwarder on an agent bus and returns the handler
// ids for later detachment.
func (f *forwarder) install(bus *events.Bus) map[events.Type]events.HandlerID {
	handlers := map[events.Type]events.Handler{
		events.TaskNodeStart: func(_ context.Context, data any) {
			f.send(MsgTaskNodeStart, data)
		},
		events.TaskNodeProgress: func(_ context.Context, data any) {
			f.send(MsgTaskNodeProgress, data)
		},
		events.TaskNodeComplete: func(_ context.Context, data any) {
			f.send(MsgTaskNodeComplete, data)
		},
		events.StreamReasoning: func(_ context.Context, data any) {
			if ev, ok := data.(models.StreamEvent); ok {
				f.session.Send(MsgStreamReasoning, f.withTask(map[string]any{"content": ev.Content}))
			}
		},
		events.StreamContent: func(_ context.Context, data any) {
			ev, ok := data.(models.StreamEvent)
			if !ok {
				return
			}
			// The API-call bracket opens on the first visible token.
			f.mu.Lock()
			opening := !f.apiActive
			if opening {
				f.apiActive = true
				f.apiStart = time.Now()
			}
			f.mu.Unlock()
			if opening {
				f.session.Send(MsgLLMAPIRequest, f.withTask(map[string]any{
					"provider":     f.provider,
					"model":        f.model,
					"request_type": "stream",
				}))
			}
			f.session.Send(MsgStreamContent, f.withTask(map[string]any{"content": ev.Content}))
		},
		events.StreamToolCall: func(_ context.Context, data any) {
			if ev, ok := data.(models.StreamEvent); ok {
				f.session.Send(MsgStreamToolCall, f.withTask(map[string]any{
					"tool_call":      ev.ToolCall,
					"all_tool_calls": ev.AllToolCalls,
				}))
			}
		},
		events.StreamUsage: func(_ context.Context, data any) {
			if ev, ok := data.(models.StreamEvent); ok {
				f.session.Send(MsgStreamUsage, f.withTask(map[string]any{"data": ev.Usage}))
			}
		},
		events.StreamComplete: func(_ context.Context, data any) {
			ev, ok := data.(models.StreamEvent)
			if !ok {
				return
			}
			f.session.Send(MsgStreamComplete, f.withTask(map[string]any{
				"finish_reason": ev.FinishReason,
				"content":       ev.FinalContent,
				"reasoning":     ev.Reasoning,
				"tool_calls":    ev.ToolCalls,
				"usage":         ev.Usage,
			}))

			f.mu.Lock()
			closing := f.apiActive
			f.apiActive = false
			elapsed := time.Since(f.apiStart)
			f.mu.Unlock()
			if closing {
				f.session.Send(MsgLLMAPIComplete, f.withTask(map[string]any{
					"provider":      f.provider,
					"model":         f.model,
					"finish_reason": ev.FinishReason,
					"usage":         ev.Usage,
					"duration_ms":   elapsed.Milliseconds(),
				}))
			}
		},
		events.ToolCallStart: func(_ context.Context, data any) {
			if ev, ok := data.(tools.StartEvent); ok {
				f.session.Send(MsgToolCallStart, f.withTask(map[string]any{
					"tool_name":    ev.ToolName,
					"tool_input":   ev.ToolInput,
					"tool_call_id": ev.ToolCallID,
				}))
			}
		},
		events.ToolCallProgress: func(_ context.Context, data any) {
			if ev, ok := data.(tools.ProgressEvent); ok {
				fields := f.withTask(map[string]any{
					"tool_name": ev.ToolName,
					"message":   ev.Message,
				})
				if ev.Percentage != nil {
					fields["percentage"] = *ev.Percentage
				}
				f.session.Send(MsgToolCallProgress, fields)
			}
		},
		events.ToolCallResult: func(_ context.Context, data any) {
			if ev, ok := data.(tools.ResultEvent); ok {
				f.session.Send(MsgToolCallResult, f.withTask(map[string]any{
					"tool_name":    ev.ToolName,
					"result":       ev.Result,
					"is_error":     ev.IsError,
					"tool_call_id": ev.ToolCallID,
				}))
			}
		},
		events.FollowupQuestion: func(_ context.Context, data any) {
			if ev, ok := data.(agent.FollowupEvent); ok {
				f.session.Send(MsgFollowupQuestion, f.withTask(map[string]any{
					"question":     ev.Question,
					"suggestions":  ev.Suggestions,
					"tool_call_id": ev.ToolCallID,
				}))
			}
		},
		events.AgentComplete: func(_ context.Context, data any) {
			f.send(MsgAgentComplete, data)
		},
		events.ErrorOccurred: func(_ context.Context, data any) {
			f.send(MsgError, data)
		},
		events.PDCAPhaseAdvance: func(_ context.Context, data any) {
			f.send(MsgPDCAPhaseAdvance, data)
		},
		events.CheckpointCreated: func(_ context.Context, data any) {
			f.send("checkpoint_created", data)
		},
	}

	ids := make(map[events.Type]events.HandlerID, len(handlers))
	for eventType, handler := range handlers {
		ids[eventType] = bus.AddHandler(eventType, handler)
	}
	return ids
}

// send forwards a typed payload with the task id attached.
func (f *forwarder) send(msgType string, payload any) {
	f.session.Send(msgType, f.withTask(fieldsOf(payload)))
}

func (f *forwarder) withTask(fields map[string]any) map[string]any {
	fields["task_id"] = f.taskID
	return fields
}
