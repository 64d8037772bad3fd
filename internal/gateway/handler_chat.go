package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/internal/agent"
	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/requestqueue"
	"github.com/davybot/dawei/internal/taskmgr"
)

// chatTimeout bounds one whole chat turn including tool calls.
const chatTimeout = 30 * time.Minute

// ChatHandler turns user messages into managed agent runs.
type ChatHandler struct {
	server *Server
	logger *slog.Logger
}

func newChatHandler(server *Server) *ChatHandler {
	return &ChatHandler{server: server, logger: slog.With("component", "gateway.chat")}
}

// Handle services one user_message frame.
func (h *ChatHandler) Handle(s *Session, msg ClientMessage) {
	if msg.Metadata == nil || msg.Metadata.WorkspaceID == "" {
		s.SendError("MISSING_WORKSPACE", "user_message requires metadata.workspaceId", false, nil)
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		s.SendError("EMPTY_MESSAGE", "message content is empty", false, nil)
		return
	}

	uw, err := s.userWorkspace(msg.Metadata.WorkspaceID)
	if err != nil {
		code, userMsg, recoverable, details := shapeError(err)
		s.SendError(code, userMsg, recoverable, details)
		return
	}
	if msg.UserUIContext != nil {
		uw.SetUIContext(msg.UserUIContext)
	}

	// `!`-prefixed lines bypass the agent pipeline entirely.
	if strings.HasPrefix(content, "!") {
		h.server.syscmd.Handle(s, uw, strings.TrimPrefix(content, "!"))
		return
	}

	if msg.Metadata.ConversationID != "" {
		uw.SetCurrentConversation(msg.Metadata.ConversationID)
	}
	conv := uw.CurrentConversation(truncateTitle(content))

	ag, err := agent.New(h.server.service, uw.Context().Path, agent.Config{Mode: uw.Mode()})
	if err != nil {
		code, userMsg, recoverable, details := shapeError(err)
		s.SendError(code, userMsg, recoverable, details)
		return
	}

	taskID := uuid.NewString()
	fw := newForwarder(s, taskID, ag.Workspace().CurrentSettings().Agent.DefaultProvider, "")
	handlerIDs := fw.install(ag.Bus())
	s.trackHandlers(ag.Bus(), handlerIDs)
	h.server.agents.add(taskID, &activeRun{agent: ag, session: s, sessionID: s.ID})

	store := uw.Context().Conversations
	_, err = h.server.tasks.Submit(s.ctx, taskmgr.Definition{
		TaskID:      taskID,
		Name:        "chat_message",
		Description: truncateTitle(content),
		Timeout:     chatTimeout,
		Priority:    requestqueue.PriorityCritical,
		Executor: func(ctx context.Context, _ map[string]any, _ taskmgr.ProgressFunc) (any, error) {
			return ag.ProcessMessage(ctx, conv, content)
		},
	}, taskmgr.Callbacks{
		Completion: func(result taskmgr.Result) {
			// The conversation is saved no matter how the turn ended.
			if saveErr := store.Save(context.Background(), conv.ID); saveErr != nil {
				h.logger.Error("conversation save failed", "conversation_id", conv.ID, "error", saveErr)
			}
			s.detachHandlers(ag.Bus())
			h.server.agents.remove(taskID)
			ag.Cleanup()

			if result.Err != nil && !errors.Is(result.Err, agent.ErrStopped) {
				code, userMsg, recoverable, details := shapeError(result.Err)
				s.SendError(code, userMsg, recoverable, details)
			}
		},
	})
	if err != nil {
		s.detachHandlers(ag.Bus())
		h.server.agents.remove(taskID)
		ag.Cleanup()
		code, userMsg, recoverable, details := shapeError(err)
		s.SendError(code, userMsg, recoverable, details)
	}
}

// HandleFollowup routes a followup_response to its suspended tool call.
func (h *ChatHandler) HandleFollowup(s *Session, msg ClientMessage) {
	run, ok := h.server.agents.get(msg.TaskID)
	if !ok {
		s.SendError("UNKNOWN_TASK", "no active task "+msg.TaskID, false, nil)
		return
	}
	if !run.agent.RespondFollowup(msg.ToolCallID, msg.Response) {
		s.SendError("NO_PENDING_FOLLOWUP", "no pending question for tool call "+msg.ToolCallID, false, nil)
	}
}

func truncateTitle(s string) string {
	if len(s) <= 60 {
		return s
	}
	return s[:60] + "…"
}

// shapeError maps internal failures to the short user-facing strings sent
// over the socket; the raw error stays in details.original_error.
func shapeError(err error) (code, message string, recoverable bool, details map[string]any) {
	details = map[string]any{"original_error": err.Error()}
	switch llm.Classify(err) {
	case llm.ReasonRateLimit:
		return "RATE_LIMITED", "请求过于频繁，请稍后再试 / Rate limited, please retry shortly", true, details
	case llm.ReasonAuth:
		return "AUTH_FAILED", "认证失败，请检查 API 密钥 / Authentication failed, check your API key", false, details
	case llm.ReasonTimeout:
		return "TIMEOUT", "请求超时，请重试 / Request timed out, please retry", true, details
	case llm.ReasonConnection:
		return "SERVICE_UNAVAILABLE", "服务暂时不可用，请稍后再试 / Service temporarily unavailable", true, details
	case llm.ReasonConfiguration:
		return "CONFIGURATION_ERROR", "配置错误 / Configuration error", false, details
	case llm.ReasonValidation:
		return "VALIDATION_ERROR", "输入无效 / Invalid input", false, details
	}
	return "INTERNAL_ERROR", "处理消息时出错 / Error while processing the message", false, details
}
