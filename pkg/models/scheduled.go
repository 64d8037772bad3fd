package models

import (
	"time"
)

// ScheduleType selects how a scheduled task's trigger time is derived.
type ScheduleType string

const (
	// ScheduleDelay fires once after a relative delay.
	ScheduleDelay ScheduleType = "delay"

	// ScheduleAtTime fires once at an absolute time.
	ScheduleAtTime ScheduleType = "at_time"

	// ScheduleRecurring fires repeatedly on a fixed interval.
	ScheduleRecurring ScheduleType = "recurring"

	// ScheduleCron fires on a 5-field POSIX cron expression.
	ScheduleCron ScheduleType = "cron"
)

// TriggerStatus is the lifecycle state of a scheduled task.
type TriggerStatus string

const (
	TriggerPending   TriggerStatus = "pending"
	TriggerTriggered TriggerStatus = "triggered"
	TriggerCompleted TriggerStatus = "completed"
	TriggerFailed    TriggerStatus = "failed"
	TriggerCancelled TriggerStatus = "cancelled"
)

// MessageExecution is the payload of an execution_type="message" task: the
// synthetic user message replayed through the agent pipeline, with optional
// model and mode overrides.
type MessageExecution struct {
	Message string `json:"message"`
	LLM     string `json:"llm,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// ScheduledTask is a persisted intent to re-enter the agent pipeline at a
// future time.
type ScheduledTask struct {
	TaskID      string       `json:"task_id"`
	WorkspaceID string       `json:"workspace_id"`
	Description string       `json:"description"`
	Type        ScheduleType `json:"schedule_type"`
	TriggerTime time.Time    `json:"trigger_time"`

	// Repeat configuration. RepeatInterval is in seconds; MaxRepeats nil
	// means unbounded.
	RepeatInterval int    `json:"repeat_interval,omitempty"`
	MaxRepeats     *int   `json:"max_repeats,omitempty"`
	RepeatCount    int    `json:"repeat_count"`
	CronExpression string `json:"cron_expression,omitempty"`

	// Execution configuration.
	ExecutionType string            `json:"execution_type"`
	ExecutionData *MessageExecution `json:"execution_data,omitempty"`

	Status      TriggerStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	TriggeredAt *time.Time    `json:"triggered_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`

	// Retry configuration.
	MaxRetries    int `json:"max_retries,omitempty"`
	RetryInterval int `json:"retry_interval,omitempty"`
	RetryCount    int `json:"retry_count"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsDue reports whether the task should be queued for execution now.
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return t.Status == TriggerPending && !now.Before(t.TriggerTime)
}

// ShouldRepeat reports whether a successful execution reschedules the task.
func (t *ScheduledTask) ShouldRepeat() bool {
	if t.Type == ScheduleCron {
		return t.CronExpression != "" && (t.MaxRepeats == nil || t.RepeatCount < *t.MaxRepeats)
	}
	if t.RepeatInterval <= 0 {
		return false
	}
	return t.MaxRepeats == nil || t.RepeatCount < *t.MaxRepeats
}

// ScheduleNext arms the next interval-based firing.
func (t *ScheduledTask) ScheduleNext(now time.Time) {
	t.TriggerTime = now.Add(time.Duration(t.RepeatInterval) * time.Second)
	t.RepeatCount++
	t.Status = TriggerPending
}

// ScheduleNextAt arms the next firing at an absolute time (cron schedules).
func (t *ScheduledTask) ScheduleNextAt(next time.Time) {
	t.TriggerTime = next
	t.RepeatCount++
	t.Status = TriggerPending
}
