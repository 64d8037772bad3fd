// Package gateway is the WebSocket control plane: one session per
// connected client, typed JSON frames, and the handler set that turns
// user messages into managed agent runs.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client→server message types.
const (
	MsgUserMessage      = "user_message"
	MsgFollowupResponse = "followup_response"
	MsgAgentStop        = "agent_stop"
)

// Server→client message types.
const (
	MsgTaskNodeStart    = "task_node_start"
	MsgTaskNodeProgress = "task_node_progress"
	MsgTaskNodeComplete = "task_node_complete"

	MsgStreamReasoning = "stream_reasoning"
	MsgStreamContent   = "stream_content"
	MsgStreamToolCall  = "stream_tool_call"
	MsgStreamUsage     = "stream_usage"
	MsgStreamComplete  = "stream_complete"

	MsgToolCallStart    = "tool_call_start"
	MsgToolCallProgress = "tool_call_progress"
	MsgToolCallResult   = "tool_call_result"

	MsgFollowupQuestion = "followup_question"

	MsgLLMAPIRequest  = "llm_api_request"
	MsgLLMAPIComplete = "llm_api_complete"

	MsgAgentComplete = "agent_complete"
	MsgAgentStopped  = "agent_stopped"
	MsgError         = "error"

	MsgPDCAPhaseAdvance = "pdca_phase_advance"
)

// MessageMetadata locates the workspace and conversation of a user
// message.
type MessageMetadata struct {
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ClientMessage is one inbound frame. Every frame carries id, type,
// session_id, and timestamp; the remaining fields depend on the type.
type ClientMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// user_message fields.
	Content       string           `json:"content,omitempty"`
	Metadata      *MessageMetadata `json:"metadata,omitempty"`
	UserUIContext map[string]any   `json:"user_ui_context,omitempty"`

	// followup_response and agent_stop fields.
	TaskID     string `json:"task_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Response   string `json:"response,omitempty"`
}

// serverFrame renders one outbound frame: the base envelope plus the
// type-specific fields, one JSON object per WebSocket frame.
func serverFrame(msgType, sessionID string, fields map[string]any) []byte {
	frame := map[string]any{
		"id":         uuid.NewString(),
		"type":       msgType,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for key, value := range fields {
		frame[key] = value
	}
	data, err := json.Marshal(frame)
	if err != nil {
		fallback := map[string]any{
			"id":         frame["id"],
			"type":       MsgError,
			"session_id": sessionID,
			"timestamp":  frame["timestamp"],
			"code":       "SERIALIZATION_ERROR",
			"message":    err.Error(),
		}
		data, _ = json.Marshal(fallback)
	}
	return data
}

// fieldsOf flattens a typed payload into frame fields.
func fieldsOf(payload any) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"payload_error": err.Error()}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{"payload_error": err.Error()}
	}
	return fields
}
