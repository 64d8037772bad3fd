// Package taskmgr runs typed task definitions with timeouts, class-based
// retry, and ordered lifecycle callbacks. Submissions flow through the
// shared priority request queue.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/internal/llm"
	"github.com/davybot/dawei/internal/requestqueue"
	"github.com/davybot/dawei/internal/retry"
)

// State is a managed task's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ErrTaskNotFound is returned for operations on unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ProgressFunc reports executor progress in the 0..100 range.
type ProgressFunc func(percent float64, message string)

// Executor is the typed work function of a task definition.
type Executor func(ctx context.Context, params map[string]any, progress ProgressFunc) (any, error)

// RetryPolicy bounds executor retries. Only errors of retryable transport
// classes retry.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Definition describes one managed task.
type Definition struct {
	TaskID      string
	Name        string
	Description string
	Executor    Executor
	Parameters  map[string]any
	Timeout     time.Duration
	Retry       RetryPolicy
	Priority    requestqueue.Priority
}

// Result is the terminal outcome delivered to the completion callback.
type Result struct {
	TaskID    string
	IsSuccess bool
	Value     any
	Err       error
	Duration  time.Duration
}

// Callbacks observe a task's lifecycle. Per attempt the order is
// state_changed, progress*; after the last attempt come the final
// state_changed and, for a failed task, one error; completion fires exactly
// once per task. Nil callbacks are skipped.
type Callbacks struct {
	StateChanged func(taskID string, state State)
	Progress     func(taskID string, percent float64, message string)
	Error        func(taskID string, err error)
	Completion   func(result Result)
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager schedules task definitions onto the request queue.
type Manager struct {
	queue  *requestqueue.Queue
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*handle
}

// New creates a manager backed by the given queue.
func New(queue *requestqueue.Queue) *Manager {
	return &Manager{
		queue:  queue,
		logger: slog.With("component", "taskmgr"),
		tasks:  make(map[string]*handle),
	}
}

// Submit schedules a task and returns its id immediately. The lifecycle is
// reported through cb.
func (m *Manager) Submit(ctx context.Context, def Definition, cb Callbacks) (string, error) {
	if def.Executor == nil {
		return "", fmt.Errorf("task %q has no executor", def.Name)
	}
	if def.TaskID == "" {
		def.TaskID = uuid.NewString()
	}
	if def.Timeout <= 0 {
		def.Timeout = 10 * time.Minute
	}
	if def.Priority == 0 {
		def.Priority = requestqueue.PriorityNormal
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.tasks[def.TaskID] = h
	m.mu.Unlock()

	notifyState(cb, def.TaskID, StatePending)

	go func() {
		defer close(h.done)
		defer func() {
			m.mu.Lock()
			delete(m.tasks, def.TaskID)
			m.mu.Unlock()
			cancel()
		}()

		start := time.Now()
		value, err := m.queue.Submit(taskCtx, func(runCtx context.Context) (any, error) {
			return m.runAttempts(runCtx, def, cb)
		}, def.Priority, def.Timeout)

		result := Result{
			TaskID:    def.TaskID,
			IsSuccess: err == nil,
			Value:     value,
			Err:       err,
			Duration:  time.Since(start),
		}
		switch {
		case errors.Is(err, context.Canceled):
			notifyState(cb, def.TaskID, StateCancelled)
		case err != nil:
			notifyState(cb, def.TaskID, StateFailed)
			if cb.Error != nil {
				cb.Error(def.TaskID, err)
			}
		default:
			notifyState(cb, def.TaskID, StateCompleted)
		}
		if cb.Completion != nil {
			cb.Completion(result)
		}
	}()
	return def.TaskID, nil
}

// runAttempts executes the definition with its retry policy. Per attempt:
// state_changed(running) first, then progress as the executor reports it.
func (m *Manager) runAttempts(ctx context.Context, def Definition, cb Callbacks) (any, error) {
	policy := def.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}

	progress := func(percent float64, message string) {
		if cb.Progress != nil {
			cb.Progress(def.TaskID, min(100, max(0, percent)), message)
		}
	}

	attempt := 0
	value, result := retry.DoWithValue(ctx, retry.Config{
		MaxAttempts:  policy.MaxAttempts,
		InitialDelay: policy.BaseDelay,
		MaxDelay:     policy.MaxDelay,
		Factor:       2,
		RetryIf:      llm.IsRetryable,
	}, func() (any, error) {
		attempt++
		if attempt == 1 {
			notifyState(cb, def.TaskID, StateRunning)
		} else {
			notifyState(cb, def.TaskID, StateRetrying)
		}
		return def.Executor(ctx, def.Parameters, progress)
	})
	if result.Err != nil {
		m.logger.Warn("task failed",
			"task_id", def.TaskID, "name", def.Name,
			"attempts", result.Attempts, "error", result.Err)
		return nil, result.Err
	}
	return value, nil
}

func notifyState(cb Callbacks, taskID string, state State) {
	if cb.StateChanged != nil {
		cb.StateChanged(taskID, state)
	}
}

// Cancel stops a running task and waits for its completion callback.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	h, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	h.cancel()
	<-h.done
	return nil
}

// Running reports whether a task is still in flight.
func (m *Manager) Running(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskID]
	return ok
}

// Wait blocks until the task finishes or the context expires.
func (m *Manager) Wait(ctx context.Context, taskID string) error {
	m.mu.Lock()
	h, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
