// Package models defines the shared data types exchanged between the agent
// runtime, the LLM transport, the scheduler, and the WebSocket gateway.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentBlock is one tagged variant of structured message content.
type ContentBlock struct {
	// Type is the block kind: text, image, audio, video, or file.
	Type string `json:"type"`

	// Text carries the payload for text blocks.
	Text string `json:"text,omitempty"`

	// URL references the media for image/audio/video/file blocks.
	URL string `json:"url,omitempty"`

	// MimeType is the media type for non-text blocks.
	MimeType string `json:"mime_type,omitempty"`

	// Name is the original filename for file blocks.
	Name string `json:"name,omitempty"`
}

// MessageContent holds either a plain string or a list of content blocks.
// It round-trips through the canonical OpenAI-compatible JSON form: a bare
// string when Blocks is nil, a JSON array otherwise.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent creates plain string content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// BlockContent creates structured content from blocks.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsEmpty reports whether the content carries neither text nor blocks.
func (c MessageContent) IsEmpty() bool {
	return c.Text == "" && len(c.Blocks) == 0
}

// Flatten collapses a single text block into plain string content.
// Anything else is returned unchanged.
func (c MessageContent) Flatten() MessageContent {
	if len(c.Blocks) == 1 && c.Blocks[0].Type == "text" {
		return MessageContent{Text: c.Blocks[0].Text}
	}
	return c
}

// MarshalJSON emits a bare string for plain content and an array for blocks.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts a string, an array of blocks, or null.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = MessageContent{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{Text: s}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block list: %w", err)
	}
	*c = MessageContent{Blocks: blocks}
	return nil
}

// FunctionCall is the function portion of a tool call. Arguments is the
// byte-accurate accumulation of streamed fragments; it is only required to
// parse as JSON at executor dispatch time.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-requested tool invocation in canonical OpenAI form.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one role-tagged entry of a conversation. Messages are never
// mutated after insertion.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       Role           `json:"role"`
	Content    MessageContent `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
}

// NewUserMessage creates a user message with a fresh id and timestamp.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   TextContent(content),
		Timestamp: time.Now().UTC(),
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Content:   TextContent(content),
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message, optionally carrying tool calls.
func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   TextContent(content),
		ToolCalls: toolCalls,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolMessage creates a tool-role message carrying one tool result.
func NewToolMessage(toolCallID, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    TextContent(content),
		ToolCallID: toolCallID,
		Timestamp:  time.Now().UTC(),
	}
}

// Sanitized returns a copy ready for serialization: single-text-block
// content is flattened to a plain string.
func (m Message) Sanitized() Message {
	m.Content = m.Content.Flatten()
	return m
}

// Validate checks the structural invariants of a message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	return nil
}
