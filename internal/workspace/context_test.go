package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davybot/dawei/internal/llm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	manager := llm.NewManager(llm.DefaultManagerConfig(), prometheus.NewRegistry())
	t.Cleanup(func() { manager.Stop(0) })
	return NewService(t.TempDir(), manager)
}

func TestService_SharedContextPerPath(t *testing.T) {
	s := newTestService(t)
	path := t.TempDir()

	a, err := s.GetContext(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.GetContext(path)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("same path should share one context")
	}
	if a.RefCount() != 2 {
		t.Errorf("refs = %d, want 2", a.RefCount())
	}

	other, _ := s.GetContext(t.TempDir())
	if other == a {
		t.Error("different paths must not share contexts")
	}
}

func TestContext_CleanupAtZeroRefs(t *testing.T) {
	s := newTestService(t)
	path := t.TempDir()

	ctx, _ := s.GetContext(path)
	second, _ := s.GetContext(path)

	s.ReleaseContext(second)
	if !ctx.Initialized() {
		t.Fatal("context cleaned up while references remain")
	}

	s.ReleaseContext(ctx)
	if ctx.Initialized() {
		t.Fatal("context should be cleaned up at zero refs")
	}
	if ctx.RefCount() != 0 {
		t.Errorf("refs = %d", ctx.RefCount())
	}

	// A fresh GetContext after full release creates a new context.
	again, err := s.GetContext(path)
	if err != nil {
		t.Fatal(err)
	}
	if again == ctx {
		t.Error("cleaned-up context must not be reused")
	}
	s.ReleaseContext(again)
}

func TestContext_RefCountNeverNegative(t *testing.T) {
	s := newTestService(t)
	ctx, _ := s.GetContext(t.TempDir())
	s.ReleaseContext(ctx)
	ctx.Release() // extra release must not underflow
	if ctx.RefCount() != 0 {
		t.Errorf("refs = %d, want 0", ctx.RefCount())
	}
}

func TestService_RemoveContextForcesCleanup(t *testing.T) {
	s := newTestService(t)
	path := t.TempDir()
	ctx, _ := s.GetContext(path)

	s.RemoveContext(ctx.ID)
	if ctx.Initialized() {
		t.Error("removed context should be cleaned up despite live refs")
	}
	if len(s.Contexts()) != 0 {
		t.Error("removed context still registered")
	}
}

func TestContext_RegistersBuiltinTools(t *testing.T) {
	s := newTestService(t)
	ctx, _ := s.GetContext(t.TempDir())
	defer s.ReleaseContext(ctx)

	for _, name := range []string{"get_time", "list_skills", "get_skill"} {
		if _, ok := ctx.Tools.Get(name); !ok {
			t.Errorf("builtin tool %s not registered", name)
		}
	}
}

func TestSettings_MergeOrder(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".dawei")
	os.MkdirAll(dir, 0o755)

	os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"agent":{"default_mode":"plan","max_steps":10}}`), 0o644)
	os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"agent":{"default_mode":"orchestrator"}}`), 0o644)

	settings, err := LoadSettings(workspace)
	if err != nil {
		t.Fatal(err)
	}
	// config.json overrides settings.json...
	if settings.Agent.DefaultMode != "orchestrator" {
		t.Errorf("default_mode = %q", settings.Agent.DefaultMode)
	}
	// ...but fields config.json leaves out survive from settings.json.
	if settings.Agent.MaxSteps != 10 {
		t.Errorf("max_steps = %d", settings.Agent.MaxSteps)
	}
	// Defaults fill the rest.
	if settings.Agent.ConsecutiveMistakeLimit != 3 {
		t.Errorf("consecutive_mistake_limit = %d", settings.Agent.ConsecutiveMistakeLimit)
	}
}

func TestSettingsWatcher_Reload(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".dawei")
	os.MkdirAll(dir, 0o755)

	updated := make(chan Settings, 1)
	watcher, err := WatchSettings(workspace, func(s Settings) {
		select {
		case updated <- s:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"agent":{"default_mode":"check"}}`), 0o644)

	select {
	case s := <-updated:
		if s.Agent.DefaultMode != "check" {
			t.Errorf("reloaded mode = %q", s.Agent.DefaultMode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("settings change not observed")
	}
}

func TestUserWorkspace_SessionState(t *testing.T) {
	s := newTestService(t)
	path := t.TempDir()

	u, err := NewUserWorkspace(s, path)
	if err != nil {
		t.Fatal(err)
	}
	if u.Mode() != "orchestrator" {
		t.Errorf("default mode = %q", u.Mode())
	}

	conv := u.CurrentConversation("first")
	if again := u.CurrentConversation("ignored"); again.ID != conv.ID {
		t.Error("current conversation should be stable")
	}

	u.SetMode("plan")
	if u.Mode() != "plan" {
		t.Error("mode not updated")
	}

	ctx := u.Context()
	u.Cleanup()
	u.Cleanup() // idempotent
	if ctx.Initialized() {
		t.Error("sole session cleanup should tear down the context")
	}
}
