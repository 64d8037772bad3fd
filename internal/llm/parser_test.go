package llm

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	openai "github.com/sashabaranov/go-openai"

	"github.com/davybot/dawei/pkg/models"
)

func deltaChunk(delta openai.ChatCompletionStreamChoiceDelta) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-1",
		Model:   "test-model",
		Created: 1735689600,
		Choices: []openai.ChatCompletionStreamChoice{{Delta: delta}},
	}
}

func contentChunk(s string) openai.ChatCompletionStreamResponse {
	return deltaChunk(openai.ChatCompletionStreamChoiceDelta{Content: s})
}

func toolDelta(index int, id, name, argFragment string) openai.ChatCompletionStreamResponse {
	return deltaChunk(openai.ChatCompletionStreamChoiceDelta{
		ToolCalls: []openai.ToolCall{{
			Index: &index,
			ID:    id,
			Type:  openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      name,
				Arguments: argFragment,
			},
		}},
	})
}

func eventsOfType(events []models.StreamEvent, t models.StreamEventType) []models.StreamEvent {
	var out []models.StreamEvent
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestParser_ContentConcatenationEqualsComplete(t *testing.T) {
	p := NewParser()
	deltas := []string{"Hi", " there", ", how", " are you?"}

	var streamed strings.Builder
	for _, d := range deltas {
		for _, e := range p.ParseChunk(contentChunk(d)) {
			if e.Type == models.StreamContent {
				streamed.WriteString(e.Content)
			}
		}
	}
	complete := p.Complete()
	if streamed.String() != complete.FinalContent {
		t.Errorf("streamed %q != final %q", streamed.String(), complete.FinalContent)
	}
	if complete.FinalContent != "Hi there, how are you?" {
		t.Errorf("final content = %q", complete.FinalContent)
	}
}

func TestParser_WhitespaceOnlyDeltasDropped(t *testing.T) {
	p := NewParser()
	if events := p.ParseChunk(contentChunk("   \n\t")); len(events) != 0 {
		t.Errorf("whitespace-only delta should emit nothing, got %d events", len(events))
	}
	if events := p.ParseChunk(deltaChunk(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: " \n "})); len(events) != 0 {
		t.Errorf("whitespace-only reasoning should emit nothing, got %d events", len(events))
	}
}

func TestParser_ReasoningMirroredWhileContentEmpty(t *testing.T) {
	p := NewParser()

	events := p.ParseChunk(deltaChunk(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: "thinking"}))
	if len(eventsOfType(events, models.StreamReasoning)) != 1 {
		t.Fatal("expected a reasoning event")
	}
	if got := eventsOfType(events, models.StreamContent); len(got) != 1 || got[0].Content != "thinking" {
		t.Fatalf("reasoning should mirror into content while content is empty, got %+v", got)
	}

	// Once real content has arrived, reasoning stops mirroring.
	p2 := NewParser()
	p2.ParseChunk(contentChunk("visible"))
	events = p2.ParseChunk(deltaChunk(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: "more thought"}))
	if got := eventsOfType(events, models.StreamContent); len(got) != 0 {
		t.Errorf("reasoning must not mirror after content started, got %+v", got)
	}
}

func TestParser_ReasoningCopiedToContentAtComplete(t *testing.T) {
	p := NewParser()
	p.ParseChunk(deltaChunk(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: "all the text"}))

	complete := p.Complete()
	if complete.FinalContent != "all the text" {
		t.Errorf("final content = %q, want reasoning copied", complete.FinalContent)
	}
	if complete.Reasoning != "all the text" {
		t.Errorf("reasoning = %q", complete.Reasoning)
	}
}

func TestParser_UsageEmittedImmediately(t *testing.T) {
	p := NewParser()
	chunk := openai.ChatCompletionStreamResponse{
		ID:    "chatcmpl-1",
		Usage: &openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}
	events := p.ParseChunk(chunk)
	if len(events) != 1 || events[0].Type != models.StreamUsage {
		t.Fatalf("expected an immediate usage event, got %+v", events)
	}
	if events[0].Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", events[0].Usage)
	}
	if got := p.Complete().Usage; got == nil || got.TotalTokens != 5 {
		t.Error("complete event should carry the usage")
	}
}

func TestParser_FinishReasonDefaultsToStop(t *testing.T) {
	p := NewParser()
	p.ParseChunk(contentChunk("x"))
	if got := p.Complete().FinishReason; got != "stop" {
		t.Errorf("finish_reason = %q, want stop", got)
	}

	p2 := NewParser()
	chunk := contentChunk("y")
	chunk.Choices[0].FinishReason = openai.FinishReasonToolCalls
	p2.ParseChunk(chunk)
	if got := p2.Complete().FinishReason; got != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", got)
	}
}

func TestParser_ToolCallDeltaAccumulation(t *testing.T) {
	p := NewParser()

	p.ParseChunk(toolDelta(0, "call_1", "search", ""))
	p.ParseChunk(toolDelta(0, "", "", `{"q":`))
	events := p.ParseChunk(toolDelta(0, "", "", `"x"}`))

	tcEvents := eventsOfType(events, models.StreamToolCall)
	if len(tcEvents) != 1 {
		t.Fatalf("expected one tool_call event, got %d", len(tcEvents))
	}
	tc := tcEvents[0].ToolCall
	if tc.ID != "call_1" || tc.Function.Name != "search" {
		t.Errorf("tool call identity: %+v", tc)
	}
	if tc.Function.Arguments != `{"q":"x"}` {
		t.Errorf("accumulated arguments = %q", tc.Function.Arguments)
	}
	if len(tcEvents[0].AllToolCalls) != 1 {
		t.Errorf("snapshot should hold one call")
	}

	complete := p.Complete()
	if complete.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("complete arguments = %q", complete.ToolCalls[0].Function.Arguments)
	}
}

func TestParser_MultipleIndexedToolCalls(t *testing.T) {
	p := NewParser()
	p.ParseChunk(toolDelta(0, "call_a", "get_time", `{}`))
	p.ParseChunk(toolDelta(1, "call_b", "search", `{"q":`))
	events := p.ParseChunk(toolDelta(1, "", "", `"go"}`))

	snapshot := eventsOfType(events, models.StreamToolCall)[0].AllToolCalls
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snapshot))
	}
	if snapshot[0].Function.Name != "get_time" || snapshot[1].Function.Name != "search" {
		t.Errorf("snapshot order wrong: %+v", snapshot)
	}

	complete := p.Complete()
	if len(complete.ToolCalls) != 2 {
		t.Fatalf("complete tool calls = %d", len(complete.ToolCalls))
	}
	if complete.ToolCalls[1].Function.Arguments != `{"q":"go"}` {
		t.Errorf("second call arguments = %q", complete.ToolCalls[1].Function.Arguments)
	}
}

// splitString cuts s into n fragments at positions drawn from rng. Every
// fragment is non-empty and the concatenation equals s.
func splitString(rng *rand.Rand, s string) []string {
	if len(s) <= 1 {
		return []string{s}
	}
	cuts := rng.Intn(len(s)-1) + 1
	points := map[int]bool{}
	for i := 0; i < cuts; i++ {
		points[rng.Intn(len(s)-1)+1] = true
	}
	var fragments []string
	prev := 0
	for i := 1; i < len(s); i++ {
		if points[i] {
			fragments = append(fragments, s[prev:i])
			prev = i
		}
	}
	fragments = append(fragments, s[prev:])
	return fragments
}

func TestParser_FragmentationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("arbitrary splits of tool-call JSON reassemble byte-exactly", prop.ForAll(
		func(payload map[string]string, seed int64) bool {
			raw, err := json.Marshal(payload)
			if err != nil {
				return false
			}
			args := string(raw)
			rng := rand.New(rand.NewSource(seed))

			p := NewParser()
			p.ParseChunk(toolDelta(0, "call_prop", "probe", ""))
			for _, fragment := range splitString(rng, args) {
				p.ParseChunk(toolDelta(0, "", "", fragment))
			}
			complete := p.Complete()
			return len(complete.ToolCalls) == 1 &&
				complete.ToolCalls[0].Function.Arguments == args
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
		gen.Int64(),
	))

	properties.Property("random content splits concatenate to the same final content", prop.ForAll(
		func(text string, seed int64) bool {
			if strings.TrimSpace(text) == "" {
				return true
			}
			rng := rand.New(rand.NewSource(seed))
			whole := NewParser()
			whole.ParseChunk(contentChunk(text))
			want := whole.Complete().FinalContent

			split := NewParser()
			var streamed strings.Builder
			for _, fragment := range splitString(rng, text) {
				for _, e := range split.ParseChunk(contentChunk(fragment)) {
					if e.Type == models.StreamContent {
						streamed.WriteString(e.Content)
					}
				}
			}
			got := split.Complete()
			return got.FinalContent == streamed.String() && got.FinalContent != "" && want != ""
		},
		gen.AlphaString(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestOllamaParser_ContentAndUsage(t *testing.T) {
	p := NewOllamaParser()

	events := p.ParseChunk(OllamaChunk{Model: "llama3.1", Response: "Hello"})
	if len(events) != 1 || events[0].Type != models.StreamContent {
		t.Fatalf("events = %+v", events)
	}
	p.ParseChunk(OllamaChunk{Response: " world"})

	final := p.ParseChunk(OllamaChunk{Done: true, PromptEvalCount: 20, EvalCount: 50})
	if len(final) != 2 {
		t.Fatalf("done chunk should yield usage + complete, got %d", len(final))
	}
	if final[0].Type != models.StreamUsage || final[0].Usage.TotalTokens != 70 {
		t.Errorf("usage event = %+v", final[0])
	}
	complete := final[1]
	if complete.Type != models.StreamComplete || complete.FinalContent != "Hello world" {
		t.Errorf("complete = %+v", complete)
	}
	if complete.FinishReason != "stop" {
		t.Errorf("finish = %q", complete.FinishReason)
	}
	if !p.Done() {
		t.Error("parser should report done")
	}
}

func TestOllamaParser_ChatMessageShape(t *testing.T) {
	p := NewOllamaParser()
	chunk := OllamaChunk{Model: "qwen3"}
	chunk.Message = &struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "assistant", Content: "hi"}

	events := p.ParseChunk(chunk)
	if len(events) != 1 || events[0].Content != "hi" {
		t.Errorf("chat-shape chunk not parsed: %+v", events)
	}
}
