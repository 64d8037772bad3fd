// Package agent composes the workspace, event bus, task graph, transport,
// and tool executor into the orchestrator that drives a user message to
// completion.
package agent

// NodeStartEvent announces that a task node began executing.
type NodeStartEvent struct {
	NodeID      string `json:"task_node_id"`
	Description string `json:"description"`
}

// NodeProgressEvent reports node progress.
type NodeProgressEvent struct {
	NodeID   string         `json:"task_node_id"`
	Progress float64        `json:"progress"`
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// NodeCompleteEvent reports a finished node.
type NodeCompleteEvent struct {
	NodeID     string `json:"task_node_id"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

// CompleteEvent reports a finished agent run.
type CompleteEvent struct {
	ResultSummary   string   `json:"result_summary"`
	TotalDurationMs int64    `json:"total_duration_ms"`
	TasksCompleted  int      `json:"tasks_completed"`
	ToolsUsed       []string `json:"tools_used"`
}

// StoppedEvent reports a user-initiated stop.
type StoppedEvent struct {
	StoppedAt     string `json:"stopped_at"`
	ResultSummary string `json:"result_summary"`
	Partial       bool   `json:"partial"`
}

// ErrorEvent reports a failure crossing the event boundary.
type ErrorEvent struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// FollowupEvent asks the user a clarifying question mid-turn.
type FollowupEvent struct {
	Question    string   `json:"question"`
	Suggestions []string `json:"suggestions,omitempty"`
	ToolCallID  string   `json:"tool_call_id"`
}
