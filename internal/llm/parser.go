package llm

import (
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/davybot/dawei/pkg/models"
)

// Parser converts one streaming response into typed stream events. A parser
// instance belongs to exactly one request and is never shared.
//
// Tool-call arguments are accumulated byte-accurately per tool-call index; the
// assembled JSON is only required to parse at tool dispatch time.
type Parser struct {
	reasoning strings.Builder
	content   strings.Builder

	order     []int
	buffers   map[int]*toolCallBuffer
	usage     *models.Usage
	usageSeen bool
	finish    string
	meta      models.StreamMeta
}

type toolCallBuffer struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// NewParser creates a parser for a single streaming request.
func NewParser() *Parser {
	return &Parser{buffers: make(map[int]*toolCallBuffer)}
}

func chunkMeta(chunk openai.ChatCompletionStreamResponse) models.StreamMeta {
	return models.StreamMeta{ID: chunk.ID, Created: chunk.Created, Model: chunk.Model}
}

// ParseChunk consumes one provider chunk and returns the events it yields,
// in order.
func (p *Parser) ParseChunk(chunk openai.ChatCompletionStreamResponse) []models.StreamEvent {
	var events []models.StreamEvent
	meta := chunkMeta(chunk)
	if meta.ID != "" {
		p.meta = meta
	}

	if chunk.Usage != nil {
		usage := &models.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		p.usage = usage
		if !p.usageSeen {
			p.usageSeen = true
		}
		events = append(events, models.StreamEvent{Type: models.StreamUsage, Meta: meta, Usage: usage})
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		p.finish = string(choice.FinishReason)
	}
	delta := choice.Delta

	// Reasoning tokens. Whitespace-only deltas are dropped. While content is
	// still empty the reasoning delta is mirrored into the content stream so
	// observers always see an assistant bubble, even for models that put all
	// visible text in reasoning_content.
	if delta.ReasoningContent != "" && strings.TrimSpace(delta.ReasoningContent) != "" {
		p.reasoning.WriteString(delta.ReasoningContent)
		events = append(events, models.StreamEvent{
			Type:    models.StreamReasoning,
			Meta:    meta,
			Content: delta.ReasoningContent,
		})
		if p.content.Len() == 0 {
			p.content.WriteString(delta.ReasoningContent)
			events = append(events, models.StreamEvent{
				Type:    models.StreamContent,
				Meta:    meta,
				Content: delta.ReasoningContent,
			})
		}
	}

	// Content tokens, same whitespace policy.
	if delta.Content != "" && strings.TrimSpace(delta.Content) != "" {
		p.content.WriteString(delta.Content)
		events = append(events, models.StreamEvent{
			Type:    models.StreamContent,
			Meta:    meta,
			Content: delta.Content,
		})
	}

	// Tool-call deltas, keyed by index. Each delta may update the id, set
	// the name, and append an argument fragment.
	for _, tc := range delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		buf, ok := p.buffers[index]
		if !ok {
			buf = &toolCallBuffer{id: tc.ID, typ: string(tc.Type)}
			if buf.typ == "" {
				buf.typ = "function"
			}
			p.buffers[index] = buf
			p.order = append(p.order, index)
		}
		if tc.ID != "" {
			buf.id = tc.ID
		}
		if tc.Function.Name != "" {
			buf.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			buf.args.WriteString(tc.Function.Arguments)
		}

		events = append(events, models.StreamEvent{
			Type:         models.StreamToolCall,
			Meta:         meta,
			ToolCall:     buf.toolCall(),
			AllToolCalls: p.snapshot(),
		})
	}

	return events
}

func (b *toolCallBuffer) toolCall() *models.ToolCall {
	return &models.ToolCall{
		ID:   b.id,
		Type: b.typ,
		Function: models.FunctionCall{
			Name:      b.name,
			Arguments: b.args.String(),
		},
	}
}

// snapshot returns every indexed tool call with its arguments so far, in
// index order.
func (p *Parser) snapshot() []models.ToolCall {
	indexes := append([]int(nil), p.order...)
	sort.Ints(indexes)
	out := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *p.buffers[i].toolCall())
	}
	return out
}

// Complete assembles the terminal event. Arguments come from the per-index
// buffers, finish_reason defaults to "stop", and reasoning is copied into
// content when content ended up empty.
func (p *Parser) Complete() models.StreamEvent {
	finish := p.finish
	if finish == "" {
		finish = "stop"
	}

	content := p.content.String()
	reasoning := p.reasoning.String()
	if strings.TrimSpace(content) == "" && strings.TrimSpace(reasoning) != "" {
		content = reasoning
	}

	return models.StreamEvent{
		Type:         models.StreamComplete,
		Meta:         p.meta,
		FinishReason: finish,
		FinalContent: content,
		Reasoning:    reasoning,
		ToolCalls:    p.snapshot(),
		Usage:        p.usage,
	}
}

// Content returns the accumulated assistant content so far.
func (p *Parser) Content() string {
	return p.content.String()
}
