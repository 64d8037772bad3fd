package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/internal/persistence"
	"github.com/davybot/dawei/internal/taskgraph"
	"github.com/davybot/dawei/internal/tools"
	"github.com/davybot/dawei/internal/tools/builtin"
	"github.com/davybot/dawei/internal/workspace"
	"github.com/davybot/dawei/pkg/models"
)

// Config selects the model, mode, and limits for one agent.
type Config struct {
	// Provider is the transport provider name; empty uses the workspace
	// default.
	Provider string
	// Model overrides the provider's default model.
	Model string
	// Mode is the behavior profile; empty uses the workspace default.
	Mode string
	// MaxSteps caps LLM round-trips per turn.
	MaxSteps int
	// ConsecutiveMistakeLimit aborts a turn after this many failed tool
	// calls in a row. Counted within a single turn.
	ConsecutiveMistakeLimit int
}

// ErrStopped is returned from a turn interrupted by Stop.
var ErrStopped = errors.New("agent stopped")

// Agent is the composition root for one chat session's execution: it owns
// an event bus and a task graph, holds a workspace reference, and drives
// user messages through the node executor. The bus is never shared across
// agents.
type Agent struct {
	ID string

	service   *workspace.Service
	workspace *workspace.Context
	bus       *events.Bus
	graph     *taskgraph.Graph
	persistor *persistence.GraphPersistor
	registry  *tools.Registry
	executor  *tools.Executor
	followups *followupRouter
	config    Config
	logger    *slog.Logger

	mu       sync.Mutex
	turnStop context.CancelFunc
	stopped  bool
	released bool
}

// New creates an agent bound to a workspace path. The agent owns one
// workspace reference until Cleanup.
func New(service *workspace.Service, path string, config Config) (*Agent, error) {
	wctx, err := service.GetContext(path)
	if err != nil {
		return nil, err
	}
	settings := wctx.CurrentSettings()

	if config.Mode == "" {
		config.Mode = settings.Agent.DefaultMode
	}
	if config.Provider == "" {
		config.Provider = settings.Agent.DefaultProvider
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = settings.Agent.MaxSteps
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = 25
	}
	if config.ConsecutiveMistakeLimit <= 0 {
		config.ConsecutiveMistakeLimit = settings.Agent.ConsecutiveMistakeLimit
	}
	if config.ConsecutiveMistakeLimit <= 0 {
		config.ConsecutiveMistakeLimit = 3
	}

	a := &Agent{
		ID:        uuid.NewString(),
		service:   service,
		workspace: wctx,
		bus:       events.NewBus(),
		graph:     taskgraph.New(),
		config:    config,
	}
	a.logger = slog.With("component", "agent", "agent_id", a.ID)
	a.followups = newFollowupRouter(a.bus)

	// Tool discovery: the workspace's registry plus the per-agent followup
	// tool, which needs this agent's bus.
	a.registry = tools.NewRegistry()
	for _, name := range wctx.Tools.Names() {
		if tool, ok := wctx.Tools.Get(name); ok {
			a.registry.Register(tool)
		}
	}
	a.registry.Register(builtin.NewFollowupTool(a.followups))
	a.executor = tools.NewExecutor(a.registry, a.bus)

	a.persistor = persistence.NewGraphPersistor(wctx.Persistence, a.graph)
	wctx.TrackGraphPersistor(a.persistor)
	return a, nil
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *events.Bus {
	return a.bus
}

// Graph returns the agent's task graph.
func (a *Agent) Graph() *taskgraph.Graph {
	return a.graph
}

// Registry returns the agent's tool registry.
func (a *Agent) Registry() *tools.Registry {
	return a.registry
}

// Workspace returns the agent's workspace context.
func (a *Agent) Workspace() *workspace.Context {
	return a.workspace
}

// RespondFollowup routes a followup_response to the suspended tool call.
func (a *Agent) RespondFollowup(toolCallID, answer string) bool {
	return a.followups.Respond(toolCallID, answer)
}

// ProcessMessage drives one user message to completion and returns the
// final assistant content. Messages append in call order; the agent
// serializes all conversation writes for the turn.
func (a *Agent) ProcessMessage(ctx context.Context, conv *models.Conversation, userInput string) (string, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return "", ErrStopped
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.turnStop = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.turnStop = nil
		a.mu.Unlock()
	}()

	start := time.Now()

	if len(conv.Messages) == 0 {
		a.appendMessage(conv, models.NewSystemMessage(systemPromptFor(a.config.Mode)))
	}
	a.appendMessage(conv, models.NewUserMessage(userInput))

	root, ok := a.graph.GetRoot()
	if !ok {
		var err error
		root, err = a.graph.CreateRoot(truncate(userInput, 120), a.config.Mode, nil)
		if err != nil {
			return "", err
		}
	}
	node, err := a.graph.CreateSubtask(root.ID, truncate(userInput, 120), a.config.Mode, nil)
	if err != nil {
		return "", err
	}

	executor := &nodeExecutor{
		bus:          a.bus,
		llm:          a.workspace.LLM,
		executor:     a.executor,
		registry:     a.registry,
		graph:        a.graph,
		logger:       a.logger,
		provider:     a.provider(),
		model:        a.config.Model,
		maxSteps:     a.config.MaxSteps,
		mistakeLimit: a.config.ConsecutiveMistakeLimit,
		toolsUsed:    make(map[string]struct{}),
	}

	content, runErr := executor.run(turnCtx, node.ID, conv, func(msg models.Message) {
		a.appendMessage(conv, msg)
	})
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return content, ErrStopped
		}
		return content, runErr
	}

	a.bus.Emit(ctx, events.AgentComplete, CompleteEvent{
		ResultSummary:   truncate(content, 200),
		TotalDurationMs: time.Since(start).Milliseconds(),
		TasksCompleted:  a.completedNodes(),
		ToolsUsed:       sortedKeys(executor.toolsUsed),
	})
	return content, nil
}

// appendMessage writes through the conversation store so auto-save sees
// the new message count.
func (a *Agent) appendMessage(conv *models.Conversation, msg models.Message) {
	if !a.workspace.Conversations.Append(conv.ID, msg) {
		// Conversation not owned by the store (synthetic turns); append
		// directly.
		conv.Append(msg)
	}
}

func (a *Agent) provider() string {
	if a.config.Provider != "" {
		return a.config.Provider
	}
	providers := a.workspace.LLM.Providers()
	if len(providers) == 1 {
		return providers[0]
	}
	sort.Strings(providers)
	if len(providers) > 0 {
		return providers[0]
	}
	return "openai"
}

func (a *Agent) completedNodes() int {
	count := 0
	for _, node := range a.graph.GetAll() {
		if node.Status == models.TaskNodeCompleted {
			count++
		}
	}
	return count
}

// Stop cancels the in-flight turn at its next suspension point. Pending
// tool calls finish their current await and surface a cancellation result.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopped = true
	cancel := a.turnStop
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.logger.Info("agent stopped")
}

// Stopped reports whether Stop was called.
func (a *Agent) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Cleanup detaches the agent: handlers dropped, graph flushed, workspace
// reference released. Idempotent.
func (a *Agent) Cleanup() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()

	a.bus.RemoveAll()
	a.persistor.Stop()
	a.service.ReleaseContext(a.workspace)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// SaveCheckpoint snapshots the conversation and task graph under the
// dawei home, keyed by a fresh checkpoint id.
func (a *Agent) SaveCheckpoint(ctx context.Context, conv *models.Conversation, taskID string) (string, error) {
	id := uuid.NewString()
	var graphState map[string]any
	if raw, err := a.graph.MarshalJSON(); err == nil {
		_ = json.Unmarshal(raw, &graphState)
	}
	checkpoint := models.CheckpointData{
		CheckpointID: id,
		TaskID:       taskID,
		CreatedAt:    time.Now().UTC(),
		Conversation: conv.Sanitized(),
		TaskGraph:    graphState,
	}
	if err := a.workspace.Persistence.SaveWithRetry(ctx, persistence.ResourceCheckpoint, id, checkpoint); err != nil {
		return "", err
	}
	a.bus.Emit(ctx, events.CheckpointCreated, map[string]any{"checkpoint_id": id, "task_id": taskID})
	return id, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
