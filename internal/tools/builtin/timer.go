package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/internal/tools"
	"github.com/davybot/dawei/pkg/models"
)

// TimerBackend is the scheduler surface the timer tool drives. The
// workspace's scheduler engine implements it; cron expressions are
// validated at set time.
type TimerBackend interface {
	Set(ctx context.Context, task *models.ScheduledTask) error
	List(ctx context.Context) ([]*models.ScheduledTask, error)
	Cancel(ctx context.Context, taskID string) error
}

// TimerSetParams describe a new scheduled task. Exactly one of
// delay_seconds, at_time, interval_seconds, or cron selects the schedule.
type TimerSetParams struct {
	Description     string `json:"description" jsonschema_description:"What this timer is for"`
	DelaySeconds    int    `json:"delay_seconds,omitempty" jsonschema_description:"Fire once after this many seconds"`
	AtTime          string `json:"at_time,omitempty" jsonschema_description:"Fire once at this RFC3339 time"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" jsonschema_description:"Fire repeatedly at this interval in seconds"`
	Cron            string `json:"cron,omitempty" jsonschema_description:"Fire on this 5-field cron expression"`
	Message         string `json:"message,omitempty" jsonschema_description:"Message replayed through the agent; defaults to the description"`
	MaxRepeats      *int   `json:"max_repeats,omitempty" jsonschema_description:"Stop after this many firings"`
	LLM             string `json:"llm,omitempty" jsonschema_description:"Model override for the replayed message"`
	Mode            string `json:"mode,omitempty" jsonschema_description:"Agent mode override for the replayed message"`
}

// TimerParams are the arguments of the timer tool.
type TimerParams struct {
	Action string          `json:"action" jsonschema:"enum=set,enum=list,enum=cancel" jsonschema_description:"What to do"`
	Set    *TimerSetParams `json:"set,omitempty" jsonschema_description:"Task definition for action=set"`
	TaskID string          `json:"task_id,omitempty" jsonschema_description:"Task id for action=cancel"`
}

// TimerTool manages scheduled tasks for the current workspace.
type TimerTool struct {
	workspaceID string
	backend     TimerBackend
	now         func() time.Time
}

// NewTimerTool creates the timer tool bound to a workspace scheduler.
func NewTimerTool(workspaceID string, backend TimerBackend) *TimerTool {
	return &TimerTool{workspaceID: workspaceID, backend: backend, now: time.Now}
}

func (t *TimerTool) Name() string {
	return "timer"
}

func (t *TimerTool) Description() string {
	return "Sets, lists, or cancels scheduled tasks that re-run the agent at a future time."
}

func (t *TimerTool) Schema() json.RawMessage {
	return tools.GenerateSchema(&TimerParams{})
}

func (t *TimerTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params TimerParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	switch params.Action {
	case "set":
		return t.set(ctx, params.Set)
	case "list":
		return t.list(ctx)
	case "cancel":
		return t.cancel(ctx, params.TaskID)
	}
	return nil, fmt.Errorf("unknown timer action %q", params.Action)
}

func (t *TimerTool) set(ctx context.Context, params *TimerSetParams) (*tools.Result, error) {
	if params == nil {
		return nil, fmt.Errorf("action=set requires the set parameters")
	}
	if strings.TrimSpace(params.Description) == "" {
		return nil, fmt.Errorf("description is required")
	}

	task, err := t.buildTask(params)
	if err != nil {
		return nil, err
	}
	if err := t.backend.Set(ctx, task); err != nil {
		return nil, err
	}
	return &tools.Result{Content: fmt.Sprintf(
		"scheduled task %s (%s) firing at %s",
		task.TaskID, task.Description, task.TriggerTime.Format(time.RFC3339),
	)}, nil
}

func (t *TimerTool) buildTask(params *TimerSetParams) (*models.ScheduledTask, error) {
	now := t.now().UTC()
	message := params.Message
	if message == "" {
		message = params.Description
	}
	task := &models.ScheduledTask{
		TaskID:        uuid.NewString(),
		WorkspaceID:   t.workspaceID,
		Description:   params.Description,
		Status:        models.TriggerPending,
		CreatedAt:     now,
		MaxRepeats:    params.MaxRepeats,
		ExecutionType: "message",
		ExecutionData: &models.MessageExecution{
			Message: message,
			LLM:     params.LLM,
			Mode:    params.Mode,
		},
	}

	switch {
	case params.Cron != "":
		task.Type = models.ScheduleCron
		task.CronExpression = params.Cron
		// TriggerTime is computed by the scheduler from the expression;
		// invalid expressions are rejected there with a structured error.
	case params.IntervalSeconds > 0:
		task.Type = models.ScheduleRecurring
		task.RepeatInterval = params.IntervalSeconds
		task.TriggerTime = now.Add(time.Duration(params.IntervalSeconds) * time.Second)
	case params.AtTime != "":
		at, err := time.Parse(time.RFC3339, params.AtTime)
		if err != nil {
			return nil, fmt.Errorf("invalid at_time %q: %w", params.AtTime, err)
		}
		task.Type = models.ScheduleAtTime
		task.TriggerTime = at.UTC()
	case params.DelaySeconds > 0:
		task.Type = models.ScheduleDelay
		task.TriggerTime = now.Add(time.Duration(params.DelaySeconds) * time.Second)
	default:
		return nil, fmt.Errorf("one of delay_seconds, at_time, interval_seconds, or cron is required")
	}
	return task, nil
}

func (t *TimerTool) list(ctx context.Context) (*tools.Result, error) {
	tasks, err := t.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return &tools.Result{Content: "no scheduled tasks"}, nil
	}
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "%s  %-10s %-9s fires=%s  %s\n",
			task.TaskID, task.Type, task.Status,
			task.TriggerTime.Format(time.RFC3339), task.Description)
	}
	return &tools.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *TimerTool) cancel(ctx context.Context, taskID string) (*tools.Result, error) {
	if taskID == "" {
		return nil, fmt.Errorf("action=cancel requires task_id")
	}
	if err := t.backend.Cancel(ctx, taskID); err != nil {
		return nil, err
	}
	return &tools.Result{Content: "cancelled task " + taskID}, nil
}
