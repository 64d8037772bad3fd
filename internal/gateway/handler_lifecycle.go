package gateway

import (
	"log/slog"
	"time"
)

// LifecycleHandler services agent_stop requests.
type LifecycleHandler struct {
	server *Server
	logger *slog.Logger
}

func newLifecycleHandler(server *Server) *LifecycleHandler {
	return &LifecycleHandler{server: server, logger: slog.With("component", "gateway.lifecycle")}
}

// HandleStop stops the agent behind a task. Stopping a task that already
// finished is confirmed, not treated as an error.
func (h *LifecycleHandler) HandleStop(s *Session, msg ClientMessage) {
	run, ok := h.server.agents.get(msg.TaskID)
	if !ok {
		s.Send(MsgAgentStopped, map[string]any{
			"task_id":        msg.TaskID,
			"stopped_at":     time.Now().UTC().Format(time.RFC3339),
			"result_summary": "task already completed",
			"partial":        false,
		})
		return
	}

	h.logger.Info("stopping agent", "task_id", msg.TaskID)
	run.agent.Stop()
	// Wait for the run to unwind so buffered events flush before the
	// stopped confirmation; chat completion callbacks handle the cleanup.
	if err := h.server.tasks.Cancel(msg.TaskID); err != nil {
		h.logger.Warn("task cancel", "task_id", msg.TaskID, "error", err)
	}

	s.Send(MsgAgentStopped, map[string]any{
		"task_id":        msg.TaskID,
		"stopped_at":     time.Now().UTC().Format(time.RFC3339),
		"result_summary": "stopped by user",
		"partial":        true,
	})
}
