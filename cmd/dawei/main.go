// Command dawei runs the workspace-scoped agent orchestration server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/davybot/dawei/internal/config"
	"github.com/davybot/dawei/internal/gateway"
	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/workspace"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "dawei",
		Short:   "Workspace-scoped AI agent orchestration server",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			setupLogging(cfg.LogLevel)

			transport := llm.NewManager(cfg.Transport, prometheus.DefaultRegisterer)
			service := workspace.NewService(cfg.Server.DaweiHome, transport)
			server := gateway.NewServer(cfg.Server, service, transport)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("dawei starting", "version", version, "addr", cfg.Server.Addr, "home", cfg.Server.DaweiHome)
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to dawei.yaml")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func setupLogging(level string) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}
