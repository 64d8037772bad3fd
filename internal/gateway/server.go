package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davybot/dawei/internal/agent"
	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/requestqueue"
	"github.com/davybot/dawei/internal/scheduler"
	"github.com/davybot/dawei/internal/taskmgr"
	"github.com/davybot/dawei/internal/tools/builtin"
	"github.com/davybot/dawei/internal/workspace"
	"github.com/davybot/dawei/pkg/models"
)

// Config configures the gateway server.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// DaweiHome is the server-level state directory.
	DaweiHome string `yaml:"dawei_home"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Addr:      "127.0.0.1:8787",
		DaweiHome: filepath.Join(home, ".dawei"),
	}
}

// Server is the WebSocket gateway: it owns the sessions, the handler set,
// the workspace service, the managed-task layer, and the scheduler
// manager, and it replays scheduled tasks through the agent pipeline.
type Server struct {
	config  Config
	service *workspace.Service
	llm     *llm.Manager
	tasks   *taskmgr.Manager
	queue   *requestqueue.Queue
	sched   *scheduler.Manager
	agents  *agentRegistry
	logger  *slog.Logger

	chat      *ChatHandler
	lifecycle *LifecycleHandler
	syscmd    *SystemCommandHandler

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	httpServer *http.Server
}

// NewServer wires the gateway together.
func NewServer(config Config, service *workspace.Service, transport *llm.Manager) *Server {
	queue := requestqueue.New(requestqueue.DefaultConfig())
	queue.Start()

	s := &Server{
		config:   config,
		service:  service,
		llm:      transport,
		tasks:    taskmgr.New(queue),
		queue:    queue,
		sched:    scheduler.NewManager(),
		agents:   newAgentRegistry(),
		logger:   slog.With("component", "gateway"),
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.chat = newChatHandler(s)
	s.lifecycle = newLifecycleHandler(s)
	s.syscmd = newSystemCommandHandler(s)
	return s
}

// Handler returns the HTTP mux: /ws for sessions, /metrics for the
// transport counters, /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	return mux
}

// ListenAndServe runs the server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", s.config.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Shutdown()
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	session := newSession(s, conn)
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	s.logger.Info("session connected", "session_id", session.ID)
	go session.run()
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

// ensureScheduler starts the workspace's scheduler engine and registers
// the timer tool against it, once per workspace context.
func (s *Server) ensureScheduler(ctx *workspace.Context) error {
	engine, err := s.sched.GetEngine(ctx.ID, ctx.Persistence, s)
	if err != nil {
		return err
	}
	if _, ok := ctx.Tools.Get("timer"); !ok {
		ctx.Tools.Register(builtin.NewTimerTool(ctx.ID, engine))
	}
	return s.recordWorkspace(ctx.ID)
}

// RunScheduledMessage replays a scheduled task through the normal agent
// pipeline: a synthetic conversation titled with the task description and
// cycle index, driven to completion and saved.
func (s *Server) RunScheduledMessage(ctx context.Context, task *models.ScheduledTask) error {
	if task.ExecutionData == nil || task.ExecutionData.Message == "" {
		return fmt.Errorf("scheduled task %s has no message payload", task.TaskID)
	}

	ag, err := agent.New(s.service, task.WorkspaceID, agent.Config{
		Model: task.ExecutionData.LLM,
		Mode:  task.ExecutionData.Mode,
	})
	if err != nil {
		return err
	}
	defer ag.Cleanup()

	title := fmt.Sprintf("📅 %s (第%d次)", task.Description, task.RepeatCount+1)
	store := ag.Workspace().Conversations
	conv := store.Create(title)

	if _, err := ag.ProcessMessage(ctx, conv, task.ExecutionData.Message); err != nil {
		return err
	}
	return store.Save(ctx, conv.ID)
}

// recordWorkspace appends the workspace to the global index file.
func (s *Server) recordWorkspace(id string) error {
	if s.config.DaweiHome == "" {
		return nil
	}
	if err := os.MkdirAll(s.config.DaweiHome, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.config.DaweiHome, "workspaces.json")

	var index struct {
		Workspaces []string `json:"workspaces"`
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &index)
	}
	if slices.Contains(index.Workspaces, id) {
		return nil
	}
	index.Workspaces = append(index.Workspaces, id)
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Shutdown stops the gateway: sessions closed, schedulers stopped, the
// managed-task queue drained, the transport stopped last.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}

	s.sched.Shutdown()
	s.queue.Stop(true, 10*time.Second)
	s.llm.Stop(10 * time.Second)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	s.logger.Info("gateway stopped")
}
