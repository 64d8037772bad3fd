package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/davybot/dawei/pkg/models"
)

// ClientConfig configures one provider client instance.
type ClientConfig struct {
	// Provider is a preset name (openai, deepseek, moonshot, ...).
	Provider string `json:"provider"`
	// BaseURL overrides the preset base URL.
	BaseURL string `json:"base_url,omitempty"`
	// APIKey is sent as a bearer token (ignored for no-auth providers).
	APIKey string `json:"api_key,omitempty"`
	// Model is the default model id.
	Model string `json:"model"`
	// Temperature is the sampling temperature.
	Temperature float32 `json:"temperature,omitempty"`
	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Timeout bounds the whole request (default 180s).
	Timeout time.Duration `json:"timeout,omitempty"`
	// Proxy is an optional outbound proxy URL (http_proxy / https_proxy).
	Proxy string `json:"proxy,omitempty"`
	// WorkspacePath enables request/response logging under
	// {workspace}/.dawei/http when non-empty.
	WorkspacePath string `json:"-"`
}

// Client streams chat completions from one provider.
type Client interface {
	// Provider returns the provider family name.
	Provider() string
	// Model returns the default model id.
	Model() string
	// Stream opens a streaming completion and emits parsed events on the
	// returned channel. The channel is closed after the terminal event.
	Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error)
	// TestToolCallSupport probes whether the model emits tool calls.
	TestToolCallSupport(ctx context.Context) (bool, error)
}

// OpenAIClient is the shared client for every OpenAI-compatible provider
// family; instances differ only in base URL, auth, and model list.
type OpenAIClient struct {
	config  ClientConfig
	api     *openai.Client
	logger  *slog.Logger
	httplog *TrafficLog
}

// NewOpenAIClient creates a client for an OpenAI-compatible provider.
func NewOpenAIClient(config ClientConfig) (*OpenAIClient, error) {
	preset, ok := LookupPreset(config.Provider)
	if !ok {
		return nil, ConfigurationError(config.Provider, "unknown provider")
	}
	if config.BaseURL == "" {
		config.BaseURL = preset.BaseURL
	}
	if config.Model == "" {
		if len(preset.Models) == 0 {
			return nil, ConfigurationError(config.Provider, "model is required")
		}
		config.Model = preset.Models[0]
	}
	if config.APIKey == "" && !preset.NoAuth {
		return nil, ConfigurationError(config.Provider, "api key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 180 * time.Second
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, ConfigurationError(config.Provider, "invalid proxy url: %v", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	apiConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	apiConfig.HTTPClient = &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}

	return &OpenAIClient{
		config:  config,
		api:     openai.NewClientWithConfig(apiConfig),
		logger:  slog.With("component", "llm", "provider", config.Provider),
		httplog: NewTrafficLog(config.WorkspacePath),
	}, nil
}

// Provider returns the provider family name.
func (c *OpenAIClient) Provider() string {
	return c.config.Provider
}

// Model returns the configured model id.
func (c *OpenAIClient) Model() string {
	return c.config.Model
}

func (c *OpenAIClient) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	} else if c.config.Temperature > 0 {
		out.Temperature = c.config.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	} else if c.config.MaxTokens > 0 {
		out.MaxTokens = c.config.MaxTokens
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(req.Tools)
		out.ParallelToolCalls = req.ParallelToolCalls
	}
	return out
}

// Stream opens the completion stream. Parsing happens on a dedicated
// goroutine; the returned channel yields events in provider order and is
// closed after the terminal complete or error event. The response log is
// written however the stream ends.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	chatReq := c.buildRequest(req)
	logRef := c.httplog.LogRequest(chatReq)

	stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		classified := classifyOpenAIError(c.config.Provider, chatReq.Model, err)
		c.httplog.LogError(logRef, classified)
		return nil, classified
	}

	events := make(chan models.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		parser := NewParser()
		defer func() {
			// The response log is written regardless of how stream
			// consumption ended.
			c.httplog.LogResponse(logRef, parser)
		}()

		deliver := func(event models.StreamEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					deliver(parser.Complete())
					return
				}
				classified := classifyOpenAIError(c.config.Provider, chatReq.Model, err)
				c.logger.Error("stream receive failed", "error", classified)
				deliver(models.StreamEvent{
					Type:       models.StreamError,
					ErrMessage: classified.Error(),
				})
				return
			}
			for _, event := range parser.ParseChunk(resp) {
				if !deliver(event) {
					return
				}
			}
		}
	}()
	return events, nil
}

// classifyOpenAIError maps SDK errors onto the transport error taxonomy:
// 401/403 auth, 408 timeout, 429 rate limit, other 4xx invalid request,
// 5xx connection.
func classifyOpenAIError(provider, model string, err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(provider, model, err).WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(provider, model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewError(provider, model, err)
}

// TestToolCallSupport issues a two-turn probe with a trivial function
// schema. When the first attempt yields no tool call it retries once with
// tool_choice=required.
func (c *OpenAIClient) TestToolCallSupport(ctx context.Context) (bool, error) {
	probe := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You can call functions. Use them when asked."},
			{Role: openai.ChatMessageRoleUser, Content: "What time is it? Use the get_time function."},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "get_time",
				Description: "Returns the current time.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		}},
	}

	yieldsToolCall := func(req openai.ChatCompletionRequest) (bool, error) {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return false, classifyOpenAIError(c.config.Provider, c.config.Model, err)
		}
		return len(resp.Choices) > 0 && len(resp.Choices[0].Message.ToolCalls) > 0, nil
	}

	ok, err := yieldsToolCall(probe)
	if err != nil || ok {
		return ok, err
	}
	probe.ToolChoice = "required"
	return yieldsToolCall(probe)
}
