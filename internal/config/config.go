// Package config loads the server-level configuration. Workspace-level
// settings live in each workspace's .dawei directory and are handled by
// the workspace package.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/davybot/dawei/internal/gateway"
	"github.com/davybot/dawei/internal/llm"
)

// Config is the top-level server configuration.
type Config struct {
	// Server configures the gateway listener and the dawei home.
	Server gateway.Config `yaml:"server"`

	// Transport configures the shared LLM protection stack.
	Transport llm.ManagerConfig `yaml:"transport"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:    gateway.DefaultConfig(),
		Transport: llm.DefaultManagerConfig(),
		LogLevel:  "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	if config.Server.DaweiHome != "" {
		abs, err := filepath.Abs(config.Server.DaweiHome)
		if err == nil {
			config.Server.DaweiHome = abs
		}
	}
	return config, nil
}
