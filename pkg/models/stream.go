package models

// StreamEventType tags the variants produced by a stream parser.
type StreamEventType string

const (
	// StreamReasoning carries a reasoning token delta.
	StreamReasoning StreamEventType = "reasoning"

	// StreamContent carries an assistant content token delta.
	StreamContent StreamEventType = "content"

	// StreamToolCall carries an incremental tool-call update.
	StreamToolCall StreamEventType = "tool_call"

	// StreamUsage carries token usage statistics.
	StreamUsage StreamEventType = "usage"

	// StreamComplete terminates a stream with the assembled result.
	StreamComplete StreamEventType = "complete"

	// StreamError terminates a stream with an error.
	StreamError StreamEventType = "error"
)

// Usage is token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamMeta carries the provider fields present on most chunks.
type StreamMeta struct {
	ID      string `json:"id,omitempty"`
	Created int64  `json:"created,omitempty"`
	Model   string `json:"model,omitempty"`
}

// StreamEvent is one parsed event of a streaming LLM response.
// Exactly the fields relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType
	Meta StreamMeta

	// Content is the token delta for reasoning/content events.
	Content string

	// ToolCall is the indexed tool call with arguments accumulated so far.
	ToolCall *ToolCall

	// AllToolCalls is a snapshot of every indexed tool call at this point.
	AllToolCalls []ToolCall

	// Usage is set on usage events and, when known, on complete events.
	Usage *Usage

	// Complete-only fields.
	FinishReason string
	FinalContent string
	Reasoning    string
	ToolCalls    []ToolCall

	// Error-only fields.
	ErrMessage string
	ErrDetails string
}
