package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/workspace"
)

type frame map[string]any

func (f frame) kind() string {
	s, _ := f["type"].(string)
	return s
}

func chunkJSON(delta string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s}]}`, delta)
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

type testGateway struct {
	server    *Server
	wsURL     string
	workspace string
}

func newTestGateway(t *testing.T, upstream http.HandlerFunc) *testGateway {
	t.Helper()
	llmServer := httptest.NewServer(upstream)
	t.Cleanup(llmServer.Close)

	transport := llm.NewManager(llm.DefaultManagerConfig(), prometheus.NewRegistry())
	t.Cleanup(func() { transport.Stop(0) })
	if err := transport.Configure(llm.ClientConfig{
		Provider: "openai", BaseURL: llmServer.URL, APIKey: "k", Model: "m",
	}); err != nil {
		t.Fatal(err)
	}

	service := workspace.NewService(t.TempDir(), transport)
	gw := NewServer(Config{DaweiHome: t.TempDir()}, service, transport)
	t.Cleanup(func() {
		gw.sched.Shutdown()
		gw.queue.Stop(false, 0)
	})

	httpServer := httptest.NewServer(gw.Handler())
	t.Cleanup(httpServer.Close)

	ws := t.TempDir()
	// Workspace default provider so agents pick openai.
	writeWorkspaceConfig(t, ws)
	return &testGateway{
		server:    gw,
		wsURL:     "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		workspace: ws,
	}
}

func writeWorkspaceConfig(t *testing.T, ws string) {
	t.Helper()
	dir := filepath.Join(ws, ".dawei")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	config := `{"agent":{"default_provider":"openai","max_steps":10}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
}

func dial(t *testing.T, g *testGateway) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendUserMessage(t *testing.T, conn *websocket.Conn, g *testGateway, content string) {
	t.Helper()
	msg := ClientMessage{
		ID:       "m1",
		Type:     MsgUserMessage,
		Content:  content,
		Metadata: &MessageMetadata{WorkspaceID: g.workspace},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
}

// readUntil collects frames until one of the terminal types arrives.
func readUntil(t *testing.T, conn *websocket.Conn, terminal ...string) []frame {
	t.Helper()
	isTerminal := func(kind string) bool {
		for _, term := range terminal {
			if kind == term {
				return true
			}
		}
		return false
	}
	var frames []frame
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read (after %d frames %v): %v", len(frames), kinds(frames), err)
		}
		frames = append(frames, f)
		if isTerminal(f.kind()) {
			return frames
		}
	}
}

func kinds(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.kind()
	}
	return out
}

// assertSubsequence checks that want appears in order within got.
func assertSubsequence(t *testing.T, got []string, want []string) {
	t.Helper()
	i := 0
	for _, kind := range got {
		if i < len(want) && kind == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("frame order %v missing expected subsequence %v (matched %d)", got, want, i)
	}
}

func TestGateway_SingleTurnCompletion(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			chunkJSON(`{"content":"Hi"}`),
			chunkJSON(`{"content":" there"}`),
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		)
	})
	conn := dial(t, g)
	sendUserMessage(t, conn, g, "Hi")

	frames := readUntil(t, conn, MsgAgentComplete, MsgError)
	got := kinds(frames)
	assertSubsequence(t, got, []string{
		MsgTaskNodeStart,
		MsgLLMAPIRequest,
		MsgStreamContent, MsgStreamContent,
		MsgStreamUsage,
		MsgStreamComplete,
		MsgLLMAPIComplete,
		MsgTaskNodeComplete,
		MsgAgentComplete,
	})

	// Every frame carries the envelope.
	for _, f := range frames {
		for _, key := range []string{"id", "type", "session_id", "timestamp"} {
			if _, ok := f[key]; !ok {
				t.Fatalf("frame %v missing %s", f, key)
			}
		}
	}

	// Check the streamed payloads.
	var contents []string
	for _, f := range frames {
		if f.kind() == MsgStreamContent {
			contents = append(contents, f["content"].(string))
		}
		if f.kind() == MsgStreamComplete {
			if f["content"] != "Hi there" || f["finish_reason"] != "stop" {
				t.Errorf("stream_complete = %v", f)
			}
		}
	}
	if strings.Join(contents, "") != "Hi there" {
		t.Errorf("streamed contents = %v", contents)
	}
}

func TestGateway_ToolCallTurn(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeSSE(w,
				chunkJSON(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_time","arguments":""}}]}`),
				chunkJSON(`{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}`),
				`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			)
			return
		}
		writeSSE(w, chunkJSON(`{"content":"It's 2025-01-01 UTC."}`))
	})
	conn := dial(t, g)
	sendUserMessage(t, conn, g, "What time is it?")

	frames := readUntil(t, conn, MsgAgentComplete, MsgError)
	assertSubsequence(t, kinds(frames), []string{
		MsgStreamToolCall,
		MsgStreamComplete,
		MsgToolCallStart,
		MsgToolCallResult,
		MsgStreamContent,
		MsgStreamComplete,
		MsgAgentComplete,
	})

	for _, f := range frames {
		if f.kind() == MsgToolCallStart {
			if f["tool_name"] != "get_time" {
				t.Errorf("tool_call_start = %v", f)
			}
		}
		if f.kind() == MsgToolCallResult {
			if f["is_error"] != false {
				t.Errorf("tool_call_result = %v", f)
			}
		}
	}
}

func TestGateway_DuplicateToolCallGuard(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			chunkJSON(`{"tool_calls":[{"index":0,"id":"call_x","type":"function","function":{"name":"get_time","arguments":"{}"}}]}`),
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	})
	conn := dial(t, g)
	sendUserMessage(t, conn, g, "loop forever")

	// The duplicate guard aborts the turn: an error frame with the code,
	// and a stream_complete with finish_reason=error.
	frames := readUntil(t, conn, MsgError)
	var sawErrorCode bool
	for _, f := range frames {
		if f.kind() == MsgError {
			if f["code"] == "DUPLICATE_TOOL_CALL" {
				sawErrorCode = true
			}
		}
	}
	if !sawErrorCode {
		t.Fatalf("no DUPLICATE_TOOL_CALL error in %v", kinds(frames))
	}

	deadline := time.Now().Add(5 * time.Second)
	var finishes []string
	for _, f := range frames {
		if f.kind() == MsgStreamComplete {
			finishes = append(finishes, fmt.Sprint(f["finish_reason"]))
		}
	}
	for time.Now().Before(deadline) && (len(finishes) == 0 || finishes[len(finishes)-1] != "error") {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		if f.kind() == MsgStreamComplete {
			finishes = append(finishes, fmt.Sprint(f["finish_reason"]))
		}
	}
	if len(finishes) == 0 || finishes[len(finishes)-1] != "error" {
		t.Errorf("final stream_complete finish reasons = %v, want trailing error", finishes)
	}
}

func TestGateway_StopDuringStream(t *testing.T) {
	release := make(chan struct{})
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", chunkJSON(`{"content":"partial answer"}`))
		flusher.Flush()
		<-release
	})
	defer close(release)

	conn := dial(t, g)
	sendUserMessage(t, conn, g, "tell me everything")

	// Wait for streaming to start, grab the task id.
	frames := readUntil(t, conn, MsgStreamContent)
	taskID, _ := frames[len(frames)-1]["task_id"].(string)
	if taskID == "" {
		t.Fatal("stream_content frame carries no task_id")
	}

	if err := conn.WriteJSON(ClientMessage{
		ID:     "stop1",
		Type:   MsgAgentStop,
		TaskID: taskID,
	}); err != nil {
		t.Fatal(err)
	}

	frames = readUntil(t, conn, MsgAgentStopped)
	stopped := frames[len(frames)-1]
	if stopped["partial"] != true {
		t.Errorf("agent_stopped = %v", stopped)
	}

	// Stopping again confirms completion instead of erroring.
	conn.WriteJSON(ClientMessage{ID: "stop2", Type: MsgAgentStop, TaskID: taskID})
	frames = readUntil(t, conn, MsgAgentStopped)
	again := frames[len(frames)-1]
	if again["partial"] != false || again["result_summary"] != "task already completed" {
		t.Errorf("second stop = %v", again)
	}
}

func TestGateway_SystemCommand(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("system commands must not reach the LLM")
	})
	conn := dial(t, g)
	sendUserMessage(t, conn, g, "!echo hello world")

	frames := readUntil(t, conn, MsgStreamComplete, MsgError)
	last := frames[len(frames)-1]
	if last.kind() != MsgStreamComplete {
		t.Fatalf("frames = %v", kinds(frames))
	}
	content := fmt.Sprint(last["content"])
	if !strings.Contains(content, "hello world") || !strings.Contains(content, "[exit 0") {
		t.Errorf("command output = %q", content)
	}
}

func TestGateway_MissingWorkspaceRejected(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	conn := dial(t, g)
	conn.WriteJSON(ClientMessage{ID: "x", Type: MsgUserMessage, Content: "hi"})

	frames := readUntil(t, conn, MsgError)
	if frames[len(frames)-1]["code"] != "MISSING_WORKSPACE" {
		t.Errorf("error frame = %v", frames[len(frames)-1])
	}
}

// JSON round-trip sanity for the inbound frame shape.
func TestClientMessage_Decode(t *testing.T) {
	raw := `{"id":"1","type":"user_message","session_id":"s","content":"hi",
		"metadata":{"workspaceId":"/tmp/w","conversationId":"c1"},
		"user_ui_context":{"theme":"dark"}}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Metadata.WorkspaceID != "/tmp/w" || msg.Metadata.ConversationID != "c1" {
		t.Errorf("metadata = %+v", msg.Metadata)
	}
	if msg.UserUIContext["theme"] != "dark" {
		t.Errorf("ui context = %v", msg.UserUIContext)
	}
}
