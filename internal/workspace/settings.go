// Package workspace manages the shared per-workspace context: settings,
// persistence, conversations, tools, and the reference-counted lifecycle
// that tears them down when the last user releases the workspace.
package workspace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/davybot/dawei/internal/llm"
)

// AgentSettings are the agent-level knobs a workspace can override.
type AgentSettings struct {
	// DefaultMode is the behavior profile agents start in.
	DefaultMode string `json:"default_mode,omitempty"`
	// DefaultProvider selects the LLM provider when a request names none.
	DefaultProvider string `json:"default_provider,omitempty"`
	// AutoSaveSeconds is the conversation auto-save period.
	AutoSaveSeconds int `json:"auto_save_seconds,omitempty"`
	// ConsecutiveMistakeLimit aborts a turn after this many failed tool
	// calls in a row.
	ConsecutiveMistakeLimit int `json:"consecutive_mistake_limit,omitempty"`
	// MaxSteps is the hard cap on LLM round-trips per turn.
	MaxSteps int `json:"max_steps,omitempty"`
}

// Settings is the merged workspace configuration. Both settings.json
// (user-level) and config.json (workspace-level) may define any field;
// config.json wins.
type Settings struct {
	Agent     AgentSettings               `json:"agent"`
	Providers map[string]llm.ClientConfig `json:"providers,omitempty"`
	HTTPProxy string                      `json:"http_proxy,omitempty"`
}

// DefaultSettings returns the settings used when neither file exists.
func DefaultSettings() Settings {
	return Settings{
		Agent: AgentSettings{
			DefaultMode:             "orchestrator",
			AutoSaveSeconds:         30,
			ConsecutiveMistakeLimit: 3,
			MaxSteps:                25,
		},
	}
}

// LoadSettings reads and merges settings.json and config.json from
// {workspace}/.dawei. Missing files are fine; a malformed file is an error.
func LoadSettings(workspacePath string) (Settings, error) {
	merged := DefaultSettings()
	for _, name := range []string{"settings.json", "config.json"} {
		path := filepath.Join(workspacePath, ".dawei", name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return merged, fmt.Errorf("read %s: %w", name, err)
		}
		var layer Settings
		if err := json.Unmarshal(data, &layer); err != nil {
			return merged, fmt.Errorf("parse %s: %w", name, err)
		}
		merged = mergeSettings(merged, layer)
	}
	return merged, nil
}

// mergeSettings overlays layer onto base, field by field.
func mergeSettings(base, layer Settings) Settings {
	out := base
	if layer.Agent.DefaultMode != "" {
		out.Agent.DefaultMode = layer.Agent.DefaultMode
	}
	if layer.Agent.DefaultProvider != "" {
		out.Agent.DefaultProvider = layer.Agent.DefaultProvider
	}
	if layer.Agent.AutoSaveSeconds > 0 {
		out.Agent.AutoSaveSeconds = layer.Agent.AutoSaveSeconds
	}
	if layer.Agent.ConsecutiveMistakeLimit > 0 {
		out.Agent.ConsecutiveMistakeLimit = layer.Agent.ConsecutiveMistakeLimit
	}
	if layer.Agent.MaxSteps > 0 {
		out.Agent.MaxSteps = layer.Agent.MaxSteps
	}
	if layer.HTTPProxy != "" {
		out.HTTPProxy = layer.HTTPProxy
	}
	if len(layer.Providers) > 0 {
		if out.Providers == nil {
			out.Providers = make(map[string]llm.ClientConfig, len(layer.Providers))
		}
		for name, config := range layer.Providers {
			out.Providers[name] = config
		}
	}
	return out
}

// SettingsWatcher hot-reloads the merged settings when either file
// changes on disk.
type SettingsWatcher struct {
	workspacePath string
	onChange      func(Settings)
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	stopOnce      sync.Once
}

// WatchSettings starts watching {workspace}/.dawei for settings changes.
func WatchSettings(workspacePath string, onChange func(Settings)) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(workspacePath, ".dawei")
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &SettingsWatcher{
		workspacePath: workspacePath,
		onChange:      onChange,
		watcher:       watcher,
		logger:        slog.With("component", "workspace.settings", "workspace", workspacePath),
	}
	go w.loop()
	return w, nil
}

func (w *SettingsWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != "settings.json" && name != "config.json" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settings, err := LoadSettings(w.workspacePath)
			if err != nil {
				w.logger.Warn("settings reload failed", "error", err)
				continue
			}
			w.logger.Info("settings reloaded", "file", name)
			w.onChange(settings)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher", "error", err)
		}
	}
}

// Stop closes the watcher.
func (w *SettingsWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.watcher.Close()
	})
}
