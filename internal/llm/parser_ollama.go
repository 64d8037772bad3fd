package llm

import (
	"strings"

	"github.com/davybot/dawei/pkg/models"
)

// OllamaChunk is one NDJSON line of an Ollama streaming response. Generate
// responses carry text in Response; chat responses nest it under Message.
type OllamaChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Message   *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// OllamaParser converts Ollama NDJSON chunks into stream events. Per-request
// instance, like Parser.
type OllamaParser struct {
	content strings.Builder
	usage   *models.Usage
	done    bool
	model   string
}

// NewOllamaParser creates a parser for a single Ollama request.
func NewOllamaParser() *OllamaParser {
	return &OllamaParser{}
}

// ParseChunk consumes one NDJSON chunk. The final chunk (done=true) yields
// the usage event followed by the complete event.
func (p *OllamaParser) ParseChunk(chunk OllamaChunk) []models.StreamEvent {
	var events []models.StreamEvent
	if chunk.Model != "" {
		p.model = chunk.Model
	}
	meta := models.StreamMeta{Model: p.model}

	if chunk.Done {
		p.done = true
		p.usage = &models.Usage{
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
			TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
		}
		events = append(events, models.StreamEvent{Type: models.StreamUsage, Meta: meta, Usage: p.usage})
		events = append(events, p.Complete())
		return events
	}

	text := chunk.Response
	if text == "" && chunk.Message != nil {
		text = chunk.Message.Content
	}
	if text != "" && strings.TrimSpace(text) != "" {
		p.content.WriteString(text)
		events = append(events, models.StreamEvent{
			Type:    models.StreamContent,
			Meta:    meta,
			Content: text,
		})
	}
	return events
}

// Done reports whether the terminal chunk has been seen.
func (p *OllamaParser) Done() bool {
	return p.done
}

// Complete assembles the terminal event.
func (p *OllamaParser) Complete() models.StreamEvent {
	return models.StreamEvent{
		Type:         models.StreamComplete,
		Meta:         models.StreamMeta{Model: p.model},
		FinishReason: "stop",
		FinalContent: p.content.String(),
		Usage:        p.usage,
	}
}
