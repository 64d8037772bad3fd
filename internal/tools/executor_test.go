package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/pkg/models"
)

type fakeTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (t *fakeTool) Name() string { return t.name }

func (t *fakeTool) Description() string { return "test tool" }

func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.fn(ctx, args)
}

const querySchema = `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"],"additionalProperties":false}`

func call(name, args string) models.ToolCall {
	return models.ToolCall{
		ID:   "call_test",
		Type: "function",
		Function: models.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func newTestExecutor(t *testing.T, tool Tool) (*Executor, *events.Bus) {
	t.Helper()
	registry := NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}
	bus := events.NewBus()
	return NewExecutor(registry, bus), bus
}

func TestExecutor_ToolNotFound(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	result := e.Execute(context.Background(), call("missing", "{}"))
	if !result.IsError {
		t.Fatal("unknown tool should produce an error result")
	}
	if result.Content != "tool not found: missing" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestExecutor_ValidatesAgainstSchema(t *testing.T) {
	tool := &fakeTool{name: "search", schema: querySchema, fn: func(context.Context, json.RawMessage) (*Result, error) {
		t.Fatal("tool must not run on invalid arguments")
		return nil, nil
	}}
	e, _ := newTestExecutor(t, tool)

	result := e.Execute(context.Background(), call("search", `{"wrong":"field"}`))
	if !result.IsError {
		t.Fatal("schema violation should produce an error result")
	}
}

func TestExecutor_RunsValidCall(t *testing.T) {
	var got string
	tool := &fakeTool{name: "search", schema: querySchema, fn: func(_ context.Context, args json.RawMessage) (*Result, error) {
		var p struct {
			Q string `json:"q"`
		}
		json.Unmarshal(args, &p)
		got = p.Q
		return &Result{Content: "found: " + p.Q}, nil
	}}
	e, _ := newTestExecutor(t, tool)

	result := e.Execute(context.Background(), call("search", `{"q":"golang"}`))
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if got != "golang" || result.Content != "found: golang" {
		t.Errorf("got=%q content=%q", got, result.Content)
	}
}

func TestExecutor_StringifiedObjectRecovery(t *testing.T) {
	schema := `{"type":"object","properties":{"config":{"type":"object"}},"required":["config"]}`
	var received map[string]any
	tool := &fakeTool{name: "apply", schema: schema, fn: func(_ context.Context, args json.RawMessage) (*Result, error) {
		var p struct {
			Config map[string]any `json:"config"`
		}
		json.Unmarshal(args, &p)
		received = p.Config
		return &Result{Content: "ok"}, nil
	}}
	e, _ := newTestExecutor(t, tool)

	// The provider stringified the object parameter.
	result := e.Execute(context.Background(), call("apply", `{"config":"{\"key\":\"value\"}"}`))
	if result.IsError {
		t.Fatalf("stringified object should be recovered: %s", result.Content)
	}
	if received["key"] != "value" {
		t.Errorf("recovered config = %v", received)
	}
}

func TestExecutor_MalformedJSONArguments(t *testing.T) {
	tool := &fakeTool{name: "search", schema: querySchema, fn: func(context.Context, json.RawMessage) (*Result, error) {
		return &Result{}, nil
	}}
	e, _ := newTestExecutor(t, tool)

	result := e.Execute(context.Background(), call("search", `{"q":`))
	if !result.IsError {
		t.Fatal("malformed JSON should produce an error result")
	}
}

func TestExecutor_EmitsStartAndResultInOrder(t *testing.T) {
	tool := &fakeTool{name: "search", schema: querySchema, fn: func(ctx context.Context, _ json.RawMessage) (*Result, error) {
		ReportProgress(ctx, "halfway", nil)
		return &Result{Content: "done"}, nil
	}}
	e, bus := newTestExecutor(t, tool)

	var seen []events.Type
	for _, et := range []events.Type{events.ToolCallStart, events.ToolCallProgress, events.ToolCallResult} {
		et := et
		bus.AddHandler(et, func(context.Context, any) {
			seen = append(seen, et)
		})
	}

	e.Execute(context.Background(), call("search", `{"q":"x"}`))

	want := []events.Type{events.ToolCallStart, events.ToolCallProgress, events.ToolCallResult}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestExecutor_ErrorResultStillEmitsResultEvent(t *testing.T) {
	tool := &fakeTool{name: "search", schema: querySchema, fn: func(context.Context, json.RawMessage) (*Result, error) {
		return nil, errors.New("backend down")
	}}
	e, bus := newTestExecutor(t, tool)

	var resultEvent *ResultEvent
	bus.AddHandler(events.ToolCallResult, func(_ context.Context, data any) {
		ev := data.(ResultEvent)
		resultEvent = &ev
	})

	result := e.Execute(context.Background(), call("search", `{"q":"x"}`))
	if !result.IsError {
		t.Fatal("tool error should surface as error result")
	}
	if resultEvent == nil || !resultEvent.IsError {
		t.Fatal("result event should be emitted with is_error=true")
	}
}

func TestExecutor_DuplicateGuard(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	repeated := call("search", `{"q":"x"}`)

	conv := models.NewConversation("t")
	for i := 0; i < 3; i++ {
		conv.Append(models.NewAssistantMessage("", []models.ToolCall{repeated}))
		conv.Append(models.NewToolMessage("call_test", "result"))
	}

	err := e.CheckDuplicate(conv, repeated)
	var dup *DuplicateCallError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateCallError, got %v", err)
	}

	// Different arguments escape the guard.
	if err := e.CheckDuplicate(conv, call("search", `{"q":"y"}`)); err != nil {
		t.Errorf("different args flagged as duplicate: %v", err)
	}

	// Two repeats are still fine.
	short := models.NewConversation("t")
	short.Append(models.NewAssistantMessage("", []models.ToolCall{repeated}))
	short.Append(models.NewAssistantMessage("", []models.ToolCall{repeated}))
	if err := e.CheckDuplicate(short, repeated); err != nil {
		t.Errorf("two repeats should pass: %v", err)
	}
}
