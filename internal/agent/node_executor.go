package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/requestqueue"
	"github.com/davybot/dawei/internal/taskgraph"
	"github.com/davybot/dawei/internal/tools"
	"github.com/davybot/dawei/pkg/models"
)

// Turn-termination errors surfaced by the node executor.
var (
	// ErrDuplicateToolCall aborts a turn stuck repeating one call.
	ErrDuplicateToolCall = errors.New("duplicate tool call")

	// ErrTooManyMistakes aborts a turn after consecutive failed tool calls.
	ErrTooManyMistakes = errors.New("consecutive mistake limit reached")

	// ErrStepLimit aborts a turn that exceeds the hard step cap.
	ErrStepLimit = errors.New("turn step limit reached")
)

// appendFunc serializes a message into the conversation. The node executor
// is the only writer during a turn.
type appendFunc func(msg models.Message)

// nodeExecutor runs one agent turn: it calls the model, streams events
// onto the bus, dispatches tool calls sequentially, and loops until a
// completion arrives with no tool calls.
type nodeExecutor struct {
	bus      *events.Bus
	llm      *llm.Manager
	executor *tools.Executor
	registry *tools.Registry
	graph    *taskgraph.Graph
	logger   *slog.Logger

	provider string
	model    string

	maxSteps     int
	mistakeLimit int

	// toolsUsed records distinct tool names across the run.
	toolsUsed map[string]struct{}
}

// run executes a node to completion and returns the final assistant
// content.
func (x *nodeExecutor) run(ctx context.Context, nodeID string, conv *models.Conversation, appendMsg appendFunc) (string, error) {
	node, ok := x.graph.Get(nodeID)
	if !ok {
		return "", fmt.Errorf("task node not found: %s", nodeID)
	}
	start := time.Now()

	if err := x.graph.UpdateStatus(nodeID, models.TaskNodeRunning); err != nil {
		return "", err
	}
	x.bus.Emit(ctx, events.TaskNodeStart, NodeStartEvent{
		NodeID:      nodeID,
		Description: node.Description,
	})

	content, err := x.loop(ctx, nodeID, conv, appendMsg)
	if err != nil {
		status := models.TaskNodeFailed
		if errors.Is(err, context.Canceled) {
			status = models.TaskNodeCancelled
		}
		if updateErr := x.graph.UpdateStatus(nodeID, status); updateErr != nil {
			x.logger.Warn("node status update failed", "node_id", nodeID, "error", updateErr)
		}
		return content, err
	}

	if err := x.graph.UpdateStatus(nodeID, models.TaskNodeCompleted); err != nil {
		x.logger.Warn("node status update failed", "node_id", nodeID, "error", err)
	}
	x.bus.Emit(ctx, events.TaskNodeComplete, NodeCompleteEvent{
		NodeID:     nodeID,
		Result:     content,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return content, nil
}

func (x *nodeExecutor) loop(ctx context.Context, nodeID string, conv *models.Conversation, appendMsg appendFunc) (string, error) {
	mistakes := 0

	for step := 0; step < x.maxSteps; step++ {
		complete, err := x.streamOnce(ctx, conv)
		if err != nil {
			return "", err
		}

		if len(complete.ToolCalls) == 0 {
			appendMsg(models.NewAssistantMessage(complete.FinalContent, nil))
			return complete.FinalContent, nil
		}

		// Tool-call turn: record the assistant message first, then run the
		// calls one at a time. Sequential dispatch keeps the duplicate
		// window meaningful.
		appendMsg(models.NewAssistantMessage(complete.FinalContent, complete.ToolCalls))

		for _, call := range complete.ToolCalls {
			if err := x.executor.CheckDuplicate(conv, call); err != nil {
				x.emitDuplicateAbort(ctx, call, err)
				return "", fmt.Errorf("%w: %s", ErrDuplicateToolCall, call.Function.Name)
			}

			x.toolsUsed[call.Function.Name] = struct{}{}
			result := x.executor.Execute(ctx, call)
			appendMsg(models.NewToolMessage(call.ID, result.Content))
			x.bus.Emit(ctx, events.TaskNodeProgress, NodeProgressEvent{
				NodeID:   nodeID,
				Progress: float64(step+1) / float64(x.maxSteps) * 100,
				Status:   string(models.TaskNodeRunning),
				Message:  "ran tool " + call.Function.Name,
			})

			if err := ctx.Err(); err != nil {
				return "", err
			}
			if result.IsError {
				mistakes++
				if mistakes >= x.mistakeLimit {
					x.bus.Emit(ctx, events.ErrorOccurred, ErrorEvent{
						Code:        "CONSECUTIVE_MISTAKES",
						Message:     fmt.Sprintf("aborting after %d failed tool calls in a row", mistakes),
						Recoverable: false,
					})
					return "", ErrTooManyMistakes
				}
			} else {
				mistakes = 0
			}
		}
	}
	return "", ErrStepLimit
}

// streamOnce performs one model call, forwarding every stream event onto
// the bus, and returns the terminal complete event.
func (x *nodeExecutor) streamOnce(ctx context.Context, conv *models.Conversation) (*models.StreamEvent, error) {
	req := &llm.Request{
		Model:    x.model,
		Messages: conv.Messages,
		Tools:    x.registry.Definitions(),
	}
	stream, err := x.llm.Stream(ctx, x.provider, req, requestqueue.PriorityCritical)
	if err != nil {
		return nil, err
	}

	var complete *models.StreamEvent
	var streamErr error
	for event := range stream {
		switch event.Type {
		case models.StreamReasoning:
			x.bus.Emit(ctx, events.StreamReasoning, event)
		case models.StreamContent:
			x.bus.Emit(ctx, events.StreamContent, event)
		case models.StreamToolCall:
			x.bus.Emit(ctx, events.StreamToolCall, event)
		case models.StreamUsage:
			x.bus.Emit(ctx, events.StreamUsage, event)
		case models.StreamComplete:
			ev := event
			complete = &ev
			x.bus.Emit(ctx, events.StreamComplete, event)
		case models.StreamError:
			streamErr = fmt.Errorf("llm stream failed: %s", event.ErrMessage)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if complete == nil {
		return nil, fmt.Errorf("llm stream ended without a completion")
	}
	return complete, nil
}

// emitDuplicateAbort reports the duplicate guard tripping: a structured
// error followed by a synthetic error-completion so clients see the
// stream terminate.
func (x *nodeExecutor) emitDuplicateAbort(ctx context.Context, call models.ToolCall, cause error) {
	x.bus.Emit(ctx, events.ErrorOccurred, ErrorEvent{
		Code:        "DUPLICATE_TOOL_CALL",
		Message:     cause.Error(),
		Recoverable: false,
		Details:     map[string]any{"tool_name": call.Function.Name},
	})
	x.bus.Emit(ctx, events.StreamComplete, models.StreamEvent{
		Type:         models.StreamComplete,
		FinishReason: "error",
	})
}
