package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/davybot/dawei/internal/debounce"
	"github.com/davybot/dawei/internal/taskgraph"
)

// graphPersistWindow coalesces mutation bursts into one write.
const graphPersistWindow = time.Second

// GraphPersistor subscribes to a task graph's persist-needed signal and
// writes the graph through the manager, debounced.
type GraphPersistor struct {
	manager *Manager
	graph   *taskgraph.Graph
	trigger *debounce.Trigger
	logger  *slog.Logger
}

// NewGraphPersistor wires a graph to auto-persist through the manager.
func NewGraphPersistor(manager *Manager, graph *taskgraph.Graph) *GraphPersistor {
	p := &GraphPersistor{
		manager: manager,
		graph:   graph,
		logger:  slog.With("component", "persistence.graph"),
	}
	p.trigger = debounce.NewTrigger(graphPersistWindow, p.flush)
	graph.OnPersistNeeded(p.trigger.Fire)
	return p
}

func (p *GraphPersistor) flush() {
	id := p.graph.ID()
	if id == "" {
		return
	}
	if err := p.manager.SaveWithRetry(context.Background(), ResourceTaskGraph, id, p.graph); err != nil {
		p.logger.Error("task graph auto-persist failed", "graph_id", id, "error", err)
	}
}

// Stop flushes any pending write and detaches the persistor.
func (p *GraphPersistor) Stop() {
	p.graph.OnPersistNeeded(nil)
	p.trigger.Stop()
}
