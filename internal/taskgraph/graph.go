// Package taskgraph maintains the forest of task nodes describing an
// agent's work decomposition. Every structural or status mutation raises a
// persist-needed signal consumed by the persistence layer.
package taskgraph

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/pkg/models"
)

// Graph is a forest of task nodes with O(1) id lookup. All operations are
// safe for concurrent use.
type Graph struct {
	mu     sync.RWMutex
	id     string
	rootID string
	nodes  map[string]*models.TaskNode

	// persistNeeded fires outside the lock after every mutation.
	persistNeeded func()
}

// New creates an empty graph. The graph id is assigned when the root is
// created.
func New() *Graph {
	return &Graph{nodes: make(map[string]*models.TaskNode)}
}

// OnPersistNeeded installs the mutation signal consumer.
func (g *Graph) OnPersistNeeded(fn func()) {
	g.mu.Lock()
	g.persistNeeded = fn
	g.mu.Unlock()
}

func (g *Graph) signal() {
	g.mu.RLock()
	fn := g.persistNeeded
	g.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ID returns the graph id (the root node's id).
func (g *Graph) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// CreateRoot creates the single root node. Creating a second root is an
// error.
func (g *Graph) CreateRoot(description, mode string, data map[string]any) (*models.TaskNode, error) {
	g.mu.Lock()
	if g.rootID != "" {
		g.mu.Unlock()
		return nil, fmt.Errorf("graph already has a root: %s", g.rootID)
	}
	node := newNode("", description, mode, data)
	g.rootID = node.ID
	g.id = node.ID
	g.nodes[node.ID] = node
	out := *node
	g.mu.Unlock()

	g.signal()
	return &out, nil
}

// CreateSubtask creates a child of parentID.
func (g *Graph) CreateSubtask(parentID, description, mode string, data map[string]any) (*models.TaskNode, error) {
	g.mu.Lock()
	parent, ok := g.nodes[parentID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("parent node not found: %s", parentID)
	}
	node := newNode(parentID, description, mode, data)
	g.nodes[node.ID] = node
	parent.ChildIDs = append(parent.ChildIDs, node.ID)
	parent.UpdatedAt = time.Now().UTC()
	out := *node
	g.mu.Unlock()

	g.signal()
	return &out, nil
}

func newNode(parentID, description, mode string, data map[string]any) *models.TaskNode {
	now := time.Now().UTC()
	return &models.TaskNode{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		ChildIDs:    []string{},
		Description: description,
		Mode:        mode,
		Status:      models.TaskNodePending,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns a copy of a node by id.
func (g *Graph) Get(id string) (*models.TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	out := *node
	return &out, true
}

// GetRoot returns a copy of the root node.
func (g *Graph) GetRoot() (*models.TaskNode, bool) {
	g.mu.RLock()
	rootID := g.rootID
	g.mu.RUnlock()
	if rootID == "" {
		return nil, false
	}
	return g.Get(rootID)
}

// GetAll returns copies of every node.
func (g *Graph) GetAll() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.TaskNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		n := *node
		out = append(out, &n)
	}
	return out
}

// Len returns the node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// UpdateStatus transitions a node's status. Illegal transitions are
// rejected: transitions are monotonic and terminal states are immutable,
// with cancelled reachable from any non-terminal state.
func (g *Graph) UpdateStatus(id string, status models.TaskNodeStatus) error {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("node not found: %s", id)
	}
	if !node.Status.CanTransition(status) {
		current := node.Status
		g.mu.Unlock()
		return fmt.Errorf("illegal status transition %s -> %s for node %s", current, status, id)
	}
	node.Status = status
	node.UpdatedAt = time.Now().UTC()
	g.mu.Unlock()

	g.signal()
	return nil
}

// Delete removes a node and all its descendants. Deleting the root clears
// the graph.
func (g *Graph) Delete(id string) error {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("node not found: %s", id)
	}

	// Unlink from the parent.
	if parent, ok := g.nodes[node.ParentID]; ok {
		for i, childID := range parent.ChildIDs {
			if childID == id {
				parent.ChildIDs = append(parent.ChildIDs[:i], parent.ChildIDs[i+1:]...)
				break
			}
		}
		parent.UpdatedAt = time.Now().UTC()
	}

	// Cascade to descendants.
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n, ok := g.nodes[current]; ok {
			stack = append(stack, n.ChildIDs...)
			delete(g.nodes, current)
		}
	}
	if id == g.rootID {
		g.rootID = ""
	}
	g.mu.Unlock()

	g.signal()
	return nil
}

// snapshot is the serialized graph form.
type snapshot struct {
	GraphID string             `json:"graph_id"`
	RootID  string             `json:"root_id"`
	Nodes   []*models.TaskNode `json:"nodes"`
}

// MarshalJSON serializes the graph for persistence.
func (g *Graph) MarshalJSON() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make([]*models.TaskNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		n := *node
		nodes = append(nodes, &n)
	}
	return json.Marshal(snapshot{GraphID: g.id, RootID: g.rootID, Nodes: nodes})
}

// Load restores a graph from its serialized form.
func Load(data []byte) (*Graph, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode task graph: %w", err)
	}
	g := New()
	g.id = snap.GraphID
	g.rootID = snap.RootID
	for _, node := range snap.Nodes {
		g.nodes[node.ID] = node
	}
	return g, nil
}

// Equal compares two graphs structurally.
func (g *Graph) Equal(other *Graph) bool {
	if g.ID() != other.ID() || g.Len() != other.Len() {
		return false
	}
	for _, node := range g.GetAll() {
		peer, ok := other.Get(node.ID)
		if !ok {
			return false
		}
		if peer.ParentID != node.ParentID || peer.Status != node.Status ||
			peer.Description != node.Description || len(peer.ChildIDs) != len(node.ChildIDs) {
			return false
		}
		for i := range node.ChildIDs {
			if node.ChildIDs[i] != peer.ChildIDs[i] {
				return false
			}
		}
	}
	return true
}
