package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/davybot/dawei/internal/exec"
	"github.com/davybot/dawei/internal/workspace"
	"github.com/davybot/dawei/pkg/models"
)

// SystemCommandHandler executes `!`-prefixed lines in the command sandbox.
// The agent pipeline is skipped for these turns; the structured result is
// logged into the conversation as an assistant message.
type SystemCommandHandler struct {
	server *Server
	logger *slog.Logger
}

func newSystemCommandHandler(server *Server) *SystemCommandHandler {
	return &SystemCommandHandler{server: server, logger: slog.With("component", "gateway.syscmd")}
}

// Handle runs one command line and reports the result.
func (h *SystemCommandHandler) Handle(s *Session, uw *workspace.UserWorkspace, line string) {
	runner := exec.NewRunner(uw.Context().Path, nil, 60*time.Second)
	result, err := runner.Run(s.ctx, line)
	if err != nil {
		s.SendError("COMMAND_REJECTED", err.Error(), false, map[string]any{"command": line})
		return
	}

	rendered := renderCommandResult(result)
	conv := uw.CurrentConversation("! " + truncateTitle(line))
	store := uw.Context().Conversations
	store.Append(conv.ID, models.NewUserMessage("!"+line))
	store.Append(conv.ID, models.NewAssistantMessage(rendered, nil))
	if err := store.Save(context.Background(), conv.ID); err != nil {
		h.logger.Error("system command save failed", "error", err)
	}

	s.Send(MsgStreamContent, map[string]any{"content": rendered})
	s.Send(MsgStreamComplete, map[string]any{
		"finish_reason": "stop",
		"content":       rendered,
	})
}

func renderCommandResult(result *exec.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", result.Command)
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "[stderr]\n%s", result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "[exit %d in %s, cwd %s]", result.ExitCode, result.ExecutionTime.Round(time.Millisecond), result.Cwd)
	return b.String()
}
