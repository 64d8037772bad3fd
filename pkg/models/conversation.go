package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is an ordered, append-only list of messages with session
// metadata. Rewrites happen only through explicit edit operations outside
// the core.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AgentMode    string    `json:"agent_mode,omitempty"`
	LLMModel     string    `json:"llm_model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"message_count"`
}

// NewConversation creates an empty conversation with a fresh id.
func NewConversation(title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message and updates the bookkeeping fields.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.MessageCount = len(c.Messages)
	c.UpdatedAt = time.Now().UTC()
}

// Sanitized returns a copy with every message ready for serialization.
func (c *Conversation) Sanitized() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Sanitized()
	}
	return &out
}

// CheckpointData is an opaque snapshot of a conversation plus task graph and
// execution state, restorable by id.
type CheckpointData struct {
	CheckpointID string         `json:"checkpoint_id"`
	TaskID       string         `json:"task_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Conversation *Conversation  `json:"conversation,omitempty"`
	TaskGraph    map[string]any `json:"task_graph,omitempty"`
	Execution    map[string]any `json:"execution,omitempty"`
}
