package llm

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/davybot/dawei/pkg/models"
)

// ToolDefinition declares a tool to the model: a name, a description, and a
// JSON Schema for its arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a canonical streaming chat request.
type Request struct {
	Model       string
	Messages    []models.Message
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int

	// ParallelToolCalls stays false: tool calls execute sequentially so the
	// duplicate-call window remains meaningful.
	ParallelToolCalls bool
}

// Validate rejects structurally invalid requests before dispatch.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return ValidationError("messages must not be empty")
	}
	for i, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return ValidationError("message %d: %v", i, err)
		}
	}
	return nil
}

// toOpenAIMessages serializes messages to the OpenAI dictionary form.
func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Role: string(m.Role)}

		if m.Content.Blocks != nil {
			parts := make([]openai.ChatMessagePart, 0, len(m.Content.Blocks))
			for _, b := range m.Content.Blocks {
				switch b.Type {
				case "text":
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: b.Text,
					})
				case "image":
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    b.URL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				default:
					// Audio/video/file blocks degrade to a text reference.
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: b.Type + ": " + b.URL,
					})
				}
			}
			om.MultiContent = parts
		} else {
			om.Content = m.Content.Text
		}

		if m.Role == models.RoleTool {
			om.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			om.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				om.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out = append(out, om)
	}
	return out
}

// toOpenAITools converts tool definitions to the OpenAI tool list.
func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
