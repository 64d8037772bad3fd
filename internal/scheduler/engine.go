// Package scheduler runs per-workspace scheduled tasks: delays, absolute
// times, fixed intervals, and 5-field cron expressions. Completed work is
// replayed through the normal agent pipeline as a synthetic chat turn.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/davybot/dawei/internal/persistence"
	"github.com/davybot/dawei/pkg/models"
)

const (
	defaultCheckInterval = time.Second
	defaultWorkers       = 3
	defaultTaskTimeout   = time.Hour
	maxRetryBackoff      = 300 * time.Second
	lockAcquireTimeout   = 100 * time.Millisecond
)

// cronParser accepts standard 5-field POSIX cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ErrInvalidCron is wrapped into the structured error returned when an
// expression is rejected at set time.
var ErrInvalidCron = errors.New("invalid cron expression")

// ParseCron validates a cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return schedule, nil
}

// MessageRunner replays a scheduled message task through the agent
// pipeline.
type MessageRunner interface {
	RunScheduledMessage(ctx context.Context, task *models.ScheduledTask) error
}

// MessageRunnerFunc adapts a function to a MessageRunner.
type MessageRunnerFunc func(ctx context.Context, task *models.ScheduledTask) error

// RunScheduledMessage executes the function.
func (f MessageRunnerFunc) RunScheduledMessage(ctx context.Context, task *models.ScheduledTask) error {
	return f(ctx, task)
}

// executionLock serializes executions per task id. A worker that cannot
// acquire the lock quickly skips the task — it is already being executed.
// Together with the pending-status check in executeLocked, it keeps a task
// from running twice.
type executionLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newExecutionLock() *executionLock {
	return &executionLock{locks: make(map[string]*sync.Mutex)}
}

func (l *executionLock) lockFor(taskID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[taskID] = m
	}
	return m
}

// tryAcquire attempts the task's lock within the acquire timeout.
func (l *executionLock) tryAcquire(taskID string) (*sync.Mutex, bool) {
	m := l.lockFor(taskID)
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		if m.TryLock() {
			return m, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Engine is one workspace's scheduler.
type Engine struct {
	workspaceID string
	store       *persistence.Manager
	runner      MessageRunner
	logger      *slog.Logger

	checkInterval time.Duration
	workers       int

	mu    sync.Mutex
	tasks map[string]*models.ScheduledTask

	queue chan string
	locks *executionLock

	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewEngine creates an engine for one workspace, restoring persisted tasks.
func NewEngine(workspaceID string, store *persistence.Manager, runner MessageRunner) (*Engine, error) {
	e := &Engine{
		workspaceID:   workspaceID,
		store:         store,
		runner:        runner,
		logger:        slog.With("component", "scheduler", "workspace", workspaceID),
		checkInterval: defaultCheckInterval,
		workers:       defaultWorkers,
		tasks:         make(map[string]*models.ScheduledTask),
		queue:         make(chan string, 256),
		locks:         newExecutionLock(),
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore() error {
	ids, err := e.store.List(persistence.ResourceScheduledTask)
	if err != nil {
		return err
	}
	for _, id := range ids {
		var task models.ScheduledTask
		if err := e.store.Load(persistence.ResourceScheduledTask, id, &task); err != nil {
			e.logger.Warn("skipping unreadable scheduled task", "task_id", id, "error", err)
			continue
		}
		// A task left in triggered state by a crash runs again.
		if task.Status == models.TriggerTriggered {
			task.Status = models.TriggerPending
		}
		e.tasks[task.TaskID] = &task
	}
	return nil
}

// Start launches the check loop and the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.checkLoop()
	for i := 0; i < e.workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		e.wg.Add(1)
		go e.worker(name)
	}
	e.logger.Info("scheduler started", "workers", e.workers)
}

// Stop halts the loops and waits for in-flight executions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("scheduler stopped")
}

func (e *Engine) checkLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.enqueueDue()
		}
	}
}

func (e *Engine) enqueueDue() {
	now := e.now()
	e.mu.Lock()
	var due []string
	for id, task := range e.tasks {
		if task.IsDue(now) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	for _, id := range due {
		select {
		case e.queue <- id:
		default:
			// Queue saturated; the next tick re-enqueues.
		}
	}
}

func (e *Engine) worker(name string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case taskID := <-e.queue:
			lock, ok := e.locks.tryAcquire(taskID)
			if !ok {
				// Another worker holds the task.
				continue
			}
			e.executeLocked(taskID, name)
			lock.Unlock()
		}
	}
}

func (e *Engine) executeLocked(taskID, worker string) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok || task.Status != models.TriggerPending {
		e.mu.Unlock()
		return
	}
	now := e.now().UTC()
	task.Status = models.TriggerTriggered
	task.TriggeredAt = &now
	snapshot := *task
	e.mu.Unlock()

	e.persist(&snapshot)
	e.logger.Info("executing scheduled task", "task_id", taskID, "worker", worker)

	err := e.runWithRetries(&snapshot)

	e.mu.Lock()
	task, ok = e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	task.RetryCount = snapshot.RetryCount
	task.LastError = snapshot.LastError
	switch {
	case err != nil:
		task.Status = models.TriggerFailed
		task.LastError = err.Error()
	case task.ShouldRepeat():
		if rescheduleErr := e.scheduleNext(task); rescheduleErr != nil {
			task.Status = models.TriggerFailed
			task.LastError = rescheduleErr.Error()
		}
	default:
		task.Status = models.TriggerCompleted
	}
	snapshot = *task
	e.mu.Unlock()
	e.persist(&snapshot)
}

// scheduleNext arms the next firing after a successful run. Must be called
// with the engine lock held.
func (e *Engine) scheduleNext(task *models.ScheduledTask) error {
	now := e.now().UTC()
	if task.Type == models.ScheduleCron {
		schedule, err := ParseCron(task.CronExpression)
		if err != nil {
			return err
		}
		task.ScheduleNextAt(schedule.Next(now))
		return nil
	}
	task.ScheduleNext(now)
	return nil
}

func (e *Engine) runWithRetries(task *models.ScheduledTask) error {
	timeout := defaultTaskTimeout
	if task.Metadata != nil {
		if secs, ok := task.Metadata["timeout_seconds"].(float64); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lastErr = e.runner.RunScheduledMessage(ctx, task)
		cancel()
		if lastErr == nil {
			task.RetryCount = 0
			return nil
		}
		task.RetryCount = attempt + 1
		task.LastError = lastErr.Error()
		if task.RetryCount > task.MaxRetries {
			return lastErr
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > maxRetryBackoff {
			delay = maxRetryBackoff
		}
		if task.RetryInterval > 0 {
			delay = time.Duration(task.RetryInterval) * time.Second
		}
		e.logger.Warn("scheduled task failed, retrying",
			"task_id", task.TaskID, "attempt", task.RetryCount, "delay", delay, "error", lastErr)
		select {
		case <-e.stop:
			return lastErr
		case <-time.After(delay):
		}
	}
}

func (e *Engine) persist(task *models.ScheduledTask) {
	if err := e.store.SaveWithRetry(context.Background(), persistence.ResourceScheduledTask, task.TaskID, task); err != nil {
		e.logger.Error("scheduled task persist failed", "task_id", task.TaskID, "error", err)
	}
}

// Set registers and persists a task. Cron expressions are validated here;
// an invalid one is rejected with a structured error before anything is
// stored.
func (e *Engine) Set(ctx context.Context, task *models.ScheduledTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("scheduled task requires a task_id")
	}
	if task.Type == models.ScheduleCron {
		schedule, err := ParseCron(task.CronExpression)
		if err != nil {
			return err
		}
		if task.TriggerTime.IsZero() {
			task.TriggerTime = schedule.Next(e.now().UTC())
		}
	}
	if task.TriggerTime.IsZero() {
		return fmt.Errorf("scheduled task requires a trigger time")
	}
	if task.WorkspaceID == "" {
		task.WorkspaceID = e.workspaceID
	}
	if task.Status == "" {
		task.Status = models.TriggerPending
	}

	e.mu.Lock()
	stored := *task
	e.tasks[task.TaskID] = &stored
	e.mu.Unlock()

	return e.store.SaveWithRetry(ctx, persistence.ResourceScheduledTask, task.TaskID, task)
}

// List returns copies of the engine's tasks.
func (e *Engine) List(_ context.Context) ([]*models.ScheduledTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.ScheduledTask, 0, len(e.tasks))
	for _, task := range e.tasks {
		t := *task
		out = append(out, &t)
	}
	return out, nil
}

// Get returns a copy of one task.
func (e *Engine) Get(taskID string) (*models.ScheduledTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	t := *task
	return &t, true
}

// Cancel marks a task cancelled and removes its file.
func (e *Engine) Cancel(_ context.Context, taskID string) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if ok {
		task.Status = models.TriggerCancelled
		delete(e.tasks, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduled task not found: %s", taskID)
	}
	_, err := e.store.Delete(persistence.ResourceScheduledTask, taskID)
	return err
}

// Manager owns one engine per workspace.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine
	logger  *slog.Logger
}

// NewManager creates the singleton scheduler manager.
func NewManager() *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
		logger:  slog.With("component", "scheduler.manager"),
	}
}

// GetEngine returns the workspace's engine, creating and starting it on
// first use.
func (m *Manager) GetEngine(workspaceID string, store *persistence.Manager, runner MessageRunner) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if engine, ok := m.engines[workspaceID]; ok {
		return engine, nil
	}
	engine, err := NewEngine(workspaceID, store, runner)
	if err != nil {
		return nil, err
	}
	engine.Start()
	m.engines[workspaceID] = engine
	return engine, nil
}

// RemoveWorkspace stops and drops a workspace's engine.
func (m *Manager) RemoveWorkspace(workspaceID string) {
	m.mu.Lock()
	engine, ok := m.engines[workspaceID]
	delete(m.engines, workspaceID)
	m.mu.Unlock()
	if ok {
		engine.Stop()
	}
}

// Shutdown stops every engine.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, engine := range m.engines {
		engines = append(engines, engine)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
	for _, engine := range engines {
		engine.Stop()
	}
}
