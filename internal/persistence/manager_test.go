package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/internal/taskgraph"
	"github.com/davybot/dawei/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	workspace := t.TempDir()
	home := t.TempDir()
	m, err := NewManager(workspace, home)
	if err != nil {
		t.Fatal(err)
	}
	return m, workspace
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m, workspace := newTestManager(t)

	conv := models.NewConversation("hello")
	conv.Append(models.NewUserMessage("hi"))
	if err := m.Save(ResourceConversation, conv.ID, conv, false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(workspace, ".dawei", "conversations", conv.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}

	var loaded models.Conversation
	if err := m.Load(ResourceConversation, conv.ID, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.ID != conv.ID || loaded.MessageCount != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Messages[0].Content.Text != "hi" {
		t.Errorf("message content = %q", loaded.Messages[0].Content.Text)
	}
}

func TestManager_NoPartialWrites(t *testing.T) {
	m, workspace := newTestManager(t)
	id := "victim"

	// Commit a first version, then overwrite; the reader must always see a
	// complete JSON document.
	m.Save(ResourceConversation, id, map[string]any{"version": 1}, false)
	path := filepath.Join(workspace, ".dawei", "conversations", id+".json")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 2; i < 50; i++ {
			m.Save(ResourceConversation, id, map[string]any{"version": i}, false)
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("reader saw a partial write: %v", err)
		}
	}
}

func TestManager_NoTmpLeftBehind(t *testing.T) {
	m, workspace := newTestManager(t)
	m.Save(ResourceConversation, "a", map[string]any{"x": 1}, false)

	entries, _ := os.ReadDir(filepath.Join(workspace, ".dawei", "conversations"))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("tmp file left behind: %s", entry.Name())
		}
	}
}

func TestManager_TimestampNaming(t *testing.T) {
	m, workspace := newTestManager(t)
	m.Save(ResourceConversation, "c1", map[string]any{}, true)

	entries, _ := os.ReadDir(filepath.Join(workspace, ".dawei", "conversations"))
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, "_c1.json") || len(name) != len("20060102150405_c1.json") {
		t.Errorf("timestamped name = %q", name)
	}
}

func TestManager_ListAndDelete(t *testing.T) {
	m, _ := newTestManager(t)
	m.Save(ResourceScheduledTask, "t1", map[string]any{}, false)
	m.Save(ResourceScheduledTask, "t2", map[string]any{}, false)

	ids, err := m.List(ResourceScheduledTask)
	if err != nil || len(ids) != 2 {
		t.Fatalf("ids = %v, err = %v", ids, err)
	}

	deleted, err := m.Delete(ResourceScheduledTask, "t1")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	deleted, _ = m.Delete(ResourceScheduledTask, "t1")
	if deleted {
		t.Error("double delete should report false")
	}
}

func TestManager_CheckpointsLiveUnderHome(t *testing.T) {
	workspace := t.TempDir()
	home := t.TempDir()
	m, _ := NewManager(workspace, home)

	m.Save(ResourceCheckpoint, "cp1", models.CheckpointData{CheckpointID: "cp1"}, false)
	if _, err := os.Stat(filepath.Join(home, "checkpoints", "cp1.json")); err != nil {
		t.Errorf("checkpoint not under home: %v", err)
	}
}

func TestManager_FailureAlertJournalAndBus(t *testing.T) {
	m, workspace := newTestManager(t)
	bus := events.NewBus()
	m.SetAlertBus(bus)

	alerted := false
	bus.AddHandler(events.PersistFailure, func(context.Context, any) {
		alerted = true
	})

	// Unmarshalable payload fails every attempt.
	err := m.SaveWithRetry(context.Background(), ResourceConversation, "bad", map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected encode failure")
	}
	if !alerted {
		t.Error("alert bus did not receive persist_failure")
	}

	journalDir := filepath.Join(workspace, ".dawei", "persistence_failures")
	entries, _ := os.ReadDir(journalDir)
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "failures_") || !strings.HasSuffix(name, ".jsonl") {
		t.Errorf("journal name = %q", name)
	}
	data, _ := os.ReadFile(filepath.Join(journalDir, name))
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &record); err != nil {
		t.Fatalf("journal line is not JSON: %v", err)
	}
	if record["resource_id"] != "bad" {
		t.Errorf("journal record = %v", record)
	}
}

func TestGraphPersistor_DebouncedAutoSave(t *testing.T) {
	m, _ := newTestManager(t)
	graph := taskgraph.New()
	persistor := NewGraphPersistor(m, graph)
	defer persistor.Stop()

	root, _ := graph.CreateRoot("root", "", nil)
	graph.CreateSubtask(root.ID, "a", "", nil)
	graph.UpdateStatus(root.ID, models.TaskNodeRunning)

	// Within the window nothing is written yet.
	if ids, _ := m.List(ResourceTaskGraph); len(ids) != 0 {
		t.Fatal("write should be debounced")
	}

	time.Sleep(1200 * time.Millisecond)
	ids, _ := m.List(ResourceTaskGraph)
	if len(ids) != 1 || ids[0] != graph.ID() {
		t.Fatalf("persisted ids = %v", ids)
	}

	raw, err := m.LoadRaw(ResourceTaskGraph, graph.ID())
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := taskgraph.Load(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !graph.Equal(loaded) {
		t.Error("persisted graph differs from the live one")
	}
}
