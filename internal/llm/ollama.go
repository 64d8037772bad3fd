package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/davybot/dawei/pkg/models"
)

// OllamaClient streams chat completions from a local Ollama server. Ollama
// speaks an NDJSON line protocol instead of SSE and takes no Authorization
// header; max_tokens maps to options.num_predict.
type OllamaClient struct {
	config  ClientConfig
	client  *http.Client
	logger  *slog.Logger
	httplog *TrafficLog
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(config ClientConfig) (*OllamaClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = presets["ollama"].BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = presets["ollama"].Models[0]
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &OllamaClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  slog.With("component", "llm", "provider", "ollama"),
		httplog: NewTrafficLog(config.WorkspacePath),
	}, nil
}

// Provider returns "ollama".
func (c *OllamaClient) Provider() string {
	return "ollama"
}

// Model returns the configured model id.
func (c *OllamaClient) Model() string {
	return c.config.Model
}

// Stream opens a streaming chat request against /api/chat.
func (c *OllamaClient) Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: flattenMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	} else if c.config.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": c.config.MaxTokens}
	}
	logRef := c.httplog.LogRequest(payload)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		classified := NewError("ollama", model, err)
		c.httplog.LogError(logRef, classified)
		return nil, classified
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		classified := NewError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithStatus(resp.StatusCode)
		c.httplog.LogError(logRef, classified)
		return nil, classified
	}

	events := make(chan models.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		parser := NewOllamaParser()
		emitted := false
		defer c.httplog.LogOllamaResponse(logRef, parser)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk OllamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				c.logger.Warn("skipping malformed ndjson line", "error", err)
				continue
			}
			for _, event := range parser.ParseChunk(chunk) {
				select {
				case events <- event:
					if event.Type == models.StreamComplete {
						emitted = true
					}
				case <-ctx.Done():
					return
				}
			}
			if parser.Done() {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case events <- models.StreamEvent{
				Type:       models.StreamError,
				ErrMessage: NewError("ollama", model, err).Error(),
			}:
			case <-ctx.Done():
			}
			return
		}
		// Stream ended without a done chunk: synthesize the terminal event.
		if !emitted {
			select {
			case events <- parser.Complete():
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}

// TestToolCallSupport always reports false: the client sends no tool
// definitions to /api/chat and does not parse tool calls from its responses.
func (c *OllamaClient) TestToolCallSupport(ctx context.Context) (bool, error) {
	return false, nil
}

// flattenMessages renders structured content down to plain strings, which
// is all the Ollama chat endpoint accepts.
func flattenMessages(msgs []models.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content.Text
		if m.Content.Blocks != nil {
			var b strings.Builder
			for _, block := range m.Content.Blocks {
				if block.Type == "text" {
					b.WriteString(block.Text)
				}
			}
			text = b.String()
		}
		role := string(m.Role)
		if role == string(models.RoleTool) {
			// Ollama has no tool role; fold results into user turns.
			role = string(models.RoleUser)
			text = "[tool result] " + text
		}
		out = append(out, ollamaMessage{Role: role, Content: text})
	}
	return out
}
