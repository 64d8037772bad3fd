package models

import (
	"time"
)

// TaskNodeStatus is the lifecycle state of a task node.
type TaskNodeStatus string

const (
	TaskNodePending   TaskNodeStatus = "pending"
	TaskNodeRunning   TaskNodeStatus = "running"
	TaskNodeCompleted TaskNodeStatus = "completed"
	TaskNodeFailed    TaskNodeStatus = "failed"
	TaskNodeCancelled TaskNodeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskNodeStatus) Terminal() bool {
	switch s {
	case TaskNodeCompleted, TaskNodeFailed, TaskNodeCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. Transitions
// are monotonic: pending → running → {completed, failed}, and pending may
// also move directly to completed or failed; cancelled is reachable from any
// non-terminal state; terminal states are immutable.
func (s TaskNodeStatus) CanTransition(next TaskNodeStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case TaskNodeCancelled:
		return true
	case TaskNodeRunning:
		return s == TaskNodePending
	case TaskNodeCompleted, TaskNodeFailed:
		return s == TaskNodeRunning || s == TaskNodePending
	}
	return false
}

// TaskNode is one node of an agent's task decomposition forest.
type TaskNode struct {
	ID          string         `json:"task_node_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	ChildIDs    []string       `json:"child_ids"`
	Description string         `json:"description"`
	Mode        string         `json:"mode,omitempty"`
	Status      TaskNodeStatus `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
