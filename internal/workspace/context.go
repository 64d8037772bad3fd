package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davybot/dawei/internal/conversation"
	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/persistence"
	"github.com/davybot/dawei/internal/tools"
	"github.com/davybot/dawei/internal/tools/builtin"
)

// ErrNotInitialized is returned when a context is used before Initialize
// or after cleanup.
var ErrNotInitialized = errors.New("workspace context is not initialized")

// Context is the shared aggregate of one workspace: persistence,
// conversations, tools, settings, and graph persistors, behind a
// reference count. Cleanup runs exactly when the count drops to zero;
// a cleaned-up context is never re-initialized.
type Context struct {
	// ID is the resolved absolute workspace path.
	ID   string
	Path string

	mu          sync.Mutex
	refCount    int
	initialized bool
	cleanedUp   bool

	Settings      Settings
	Persistence   *persistence.Manager
	Conversations *conversation.Store
	Tools         *tools.Registry
	LLM           *llm.Manager
	Skills        *builtin.SkillStore

	settingsWatcher *SettingsWatcher
	graphPersistors []*persistence.GraphPersistor
	logger          *slog.Logger
}

// ResolveID canonicalizes a workspace path into its context key.
func ResolveID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// newContext creates an uninitialized context for a resolved path.
func newContext(id string, shared *llm.Manager) *Context {
	return &Context{
		ID:     id,
		Path:   id,
		LLM:    shared,
		logger: slog.With("component", "workspace", "workspace", id),
	}
}

// initialize builds the context's services. Called once by the service
// while holding the context's slot; failures tear down partial state.
func (c *Context) initialize(homeDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if c.cleanedUp {
		return fmt.Errorf("workspace context %s was cleaned up and cannot be reused", c.ID)
	}
	if info, err := os.Stat(c.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace path %s is not a directory", c.Path)
	}

	settings, err := LoadSettings(c.Path)
	if err != nil {
		return err
	}
	c.Settings = settings

	manager, err := persistence.NewManager(c.Path, homeDir)
	if err != nil {
		return err
	}
	c.Persistence = manager

	c.Conversations = conversation.NewStore(manager, time.Duration(settings.Agent.AutoSaveSeconds)*time.Second)
	c.Conversations.Start()

	c.Tools = tools.NewRegistry()
	c.Skills = builtin.NewSkillStore(c.Path)
	c.Tools.Register(builtin.NewTimeTool())
	c.Tools.Register(builtin.NewListSkillsTool(c.Skills))
	c.Tools.Register(builtin.NewGetSkillTool(c.Skills))

	// Configure workspace providers on the shared transport.
	for name, providerConfig := range settings.Providers {
		if providerConfig.Provider == "" {
			providerConfig.Provider = name
		}
		providerConfig.WorkspacePath = c.Path
		if providerConfig.Proxy == "" {
			providerConfig.Proxy = settings.HTTPProxy
		}
		if err := c.LLM.Configure(providerConfig); err != nil {
			c.logger.Warn("provider configuration rejected", "provider", name, "error", err)
		}
	}

	watcher, err := WatchSettings(c.Path, func(updated Settings) {
		c.mu.Lock()
		c.Settings = updated
		c.mu.Unlock()
	})
	if err != nil {
		c.logger.Warn("settings watch unavailable", "error", err)
	} else {
		c.settingsWatcher = watcher
	}

	c.initialized = true
	c.logger.Info("workspace context initialized")
	return nil
}

// Initialized reports whether the context is live.
func (c *Context) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// RefCount returns the current reference count.
func (c *Context) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

// Retain takes a reference.
func (c *Context) Retain() {
	c.mu.Lock()
	c.refCount++
	count := c.refCount
	c.mu.Unlock()
	c.logger.Debug("workspace retained", "refs", count)
}

// Release drops a reference; hitting zero tears the context down.
func (c *Context) Release() {
	c.mu.Lock()
	if c.refCount <= 0 {
		c.mu.Unlock()
		c.logger.Warn("release on zero refcount")
		return
	}
	c.refCount--
	count := c.refCount
	c.mu.Unlock()
	c.logger.Debug("workspace released", "refs", count)
	if count == 0 {
		c.cleanup()
	}
}

// TrackGraphPersistor registers a persistor for shutdown.
func (c *Context) TrackGraphPersistor(p *persistence.GraphPersistor) {
	c.mu.Lock()
	c.graphPersistors = append(c.graphPersistors, p)
	c.mu.Unlock()
}

// CurrentSettings returns a snapshot of the merged settings.
func (c *Context) CurrentSettings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Settings
}

// cleanup stops the context's services in order: graph persistence,
// conversation store, transport reference, tool registry. The shared LLM
// transport itself is stopped at server shutdown, not here.
func (c *Context) cleanup() {
	c.mu.Lock()
	if !c.initialized || c.cleanedUp {
		c.mu.Unlock()
		return
	}
	c.cleanedUp = true
	c.initialized = false
	persistors := c.graphPersistors
	c.graphPersistors = nil
	watcher := c.settingsWatcher
	c.settingsWatcher = nil
	c.mu.Unlock()

	for _, p := range persistors {
		p.Stop()
	}
	if c.Conversations != nil {
		c.Conversations.Stop()
	}
	c.LLM = nil
	if c.Tools != nil {
		for _, name := range c.Tools.Names() {
			c.Tools.Unregister(name)
		}
	}
	if watcher != nil {
		watcher.Stop()
	}
	c.logger.Info("workspace context cleaned up")
}

// Service hands out shared contexts keyed by resolved path, with
// double-checked locking around creation.
type Service struct {
	homeDir string
	llm     *llm.Manager

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewService creates the workspace service. homeDir is the dawei home for
// checkpoints and the workspace index; shared is the process transport.
func NewService(homeDir string, shared *llm.Manager) *Service {
	return &Service{
		homeDir:  homeDir,
		llm:      shared,
		contexts: make(map[string]*Context),
	}
}

// GetContext returns the shared context for a workspace path, creating and
// initializing it on first use. The caller owns one reference and must
// Release it.
func (s *Service) GetContext(path string) (*Context, error) {
	id, err := ResolveID(path)
	if err != nil {
		return nil, err
	}

	// Fast path: already registered.
	s.mu.Lock()
	if ctx, ok := s.contexts[id]; ok {
		s.mu.Unlock()
		ctx.Retain()
		return ctx, nil
	}
	s.mu.Unlock()

	// Slow path: re-check under the lock, then create.
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.contexts[id]; ok {
		ctx.Retain()
		return ctx, nil
	}

	ctx := newContext(id, s.llm)
	if err := ctx.initialize(s.homeDir); err != nil {
		return nil, err
	}
	ctx.Retain()
	s.contexts[id] = ctx
	return ctx, nil
}

// RemoveContext forces cleanup and deregistration regardless of refs.
// Used when a workspace is deleted.
func (s *Service) RemoveContext(id string) {
	s.mu.Lock()
	ctx, ok := s.contexts[id]
	delete(s.contexts, id)
	s.mu.Unlock()
	if ok {
		ctx.cleanup()
	}
}

// forget drops a fully released context from the registry.
func (s *Service) forget(id string) {
	s.mu.Lock()
	if ctx, ok := s.contexts[id]; ok && ctx.RefCount() == 0 {
		delete(s.contexts, id)
	}
	s.mu.Unlock()
}

// ReleaseContext releases one reference and deregisters the context once
// it is fully released.
func (s *Service) ReleaseContext(ctx *Context) {
	ctx.Release()
	if ctx.RefCount() == 0 {
		s.forget(ctx.ID)
	}
}

// HomeDir returns the dawei home directory.
func (s *Service) HomeDir() string {
	return s.homeDir
}

// Contexts returns the live contexts, keyed by id.
func (s *Service) Contexts() map[string]*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Context, len(s.contexts))
	for id, ctx := range s.contexts {
		out[id] = ctx
	}
	return out
}
