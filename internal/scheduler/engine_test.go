package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/davybot/dawei/internal/persistence"
	"github.com/davybot/dawei/pkg/models"
)

func newTestEngine(t *testing.T, runner MessageRunner) *Engine {
	t.Helper()
	store, err := persistence.NewManager(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine, err := NewEngine("ws-test", store, runner)
	if err != nil {
		t.Fatal(err)
	}
	engine.checkInterval = 20 * time.Millisecond
	t.Cleanup(engine.Stop)
	return engine
}

func delayTask(delay time.Duration) *models.ScheduledTask {
	return &models.ScheduledTask{
		TaskID:        uuid.NewString(),
		Description:   "morning",
		Type:          models.ScheduleDelay,
		TriggerTime:   time.Now().UTC().Add(delay),
		Status:        models.TriggerPending,
		CreatedAt:     time.Now().UTC(),
		ExecutionType: "message",
		ExecutionData: &models.MessageExecution{Message: "morning"},
	}
}

func TestParseCron(t *testing.T) {
	if _, err := ParseCron("*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseCron("not a cron"); !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v", err)
	}
	// 6-field expressions are not POSIX cron.
	if _, err := ParseCron("0 0 9 * * *"); err == nil {
		t.Fatal("6-field expression should be rejected")
	}
}

func TestCron_NineAMBoundary(t *testing.T) {
	schedule, err := ParseCron("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 3, 10, 8, 59, 59, 0, time.Local)
	next := schedule.Next(at)
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
}

func TestEngine_OneShotDelayLifecycle(t *testing.T) {
	var executed atomic.Int32
	engine := newTestEngine(t, MessageRunnerFunc(func(_ context.Context, task *models.ScheduledTask) error {
		executed.Add(1)
		return nil
	}))
	engine.Start()

	task := delayTask(50 * time.Millisecond)
	if err := engine.Set(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := engine.Get(task.TaskID); got != nil && got.Status == models.TriggerCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, ok := engine.Get(task.TaskID)
	if !ok || got.Status != models.TriggerCompleted {
		t.Fatalf("task state = %+v", got)
	}
	if executed.Load() != 1 {
		t.Errorf("executed %d times", executed.Load())
	}
	if got.TriggeredAt == nil {
		t.Error("triggered_at not recorded")
	}
}

func TestEngine_RecurringReschedules(t *testing.T) {
	var executions atomic.Int32
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		executions.Add(1)
		return nil
	}))
	engine.Start()

	task := delayTask(30 * time.Millisecond)
	task.Type = models.ScheduleRecurring
	task.RepeatInterval = 1 // reschedules one second out
	engine.Set(context.Background(), task)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && executions.Load() < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	if executions.Load() < 2 {
		t.Fatalf("recurring task executed %d times", executions.Load())
	}

	got, _ := engine.Get(task.TaskID)
	if got.RepeatCount < 2 {
		t.Errorf("repeat_count = %d", got.RepeatCount)
	}
	if got.Status != models.TriggerPending && got.Status != models.TriggerTriggered {
		t.Errorf("recurring task status = %s", got.Status)
	}
}

func TestEngine_MaxRepeatsCompletes(t *testing.T) {
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		return nil
	}))
	engine.Start()

	one := 1
	task := delayTask(30 * time.Millisecond)
	task.Type = models.ScheduleRecurring
	task.RepeatInterval = 1
	task.MaxRepeats = &one
	engine.Set(context.Background(), task)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := engine.Get(task.TaskID); got != nil && got.Status == models.TriggerCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := engine.Get(task.TaskID)
	t.Fatalf("task should have completed after max repeats, state = %+v", got)
}

func TestEngine_RetryThenFail(t *testing.T) {
	var calls atomic.Int32
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		calls.Add(1)
		return errors.New("agent unavailable")
	}))
	engine.Start()

	task := delayTask(30 * time.Millisecond)
	task.MaxRetries = 2
	task.RetryInterval = 1 // seconds
	engine.Set(context.Background(), task)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := engine.Get(task.TaskID); got != nil && got.Status == models.TriggerFailed {
			break
		}
		time.Sleep(30 * time.Millisecond)
	}
	got, _ := engine.Get(task.TaskID)
	if got.Status != models.TriggerFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if calls.Load() != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if got.LastError == "" {
		t.Error("last_error not recorded")
	}
}

func TestEngine_InvalidCronRejectedAtSet(t *testing.T) {
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		return nil
	}))

	task := delayTask(time.Hour)
	task.Type = models.ScheduleCron
	task.CronExpression = "* * *"
	task.TriggerTime = time.Time{}
	if err := engine.Set(context.Background(), task); !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := engine.Get(task.TaskID); ok {
		t.Error("rejected task must not be registered")
	}
}

func TestEngine_CronComputesInitialTrigger(t *testing.T) {
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		return nil
	}))
	task := delayTask(0)
	task.Type = models.ScheduleCron
	task.CronExpression = "*/5 * * * *"
	task.TriggerTime = time.Time{}
	if err := engine.Set(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	got, _ := engine.Get(task.TaskID)
	if got.TriggerTime.IsZero() {
		t.Fatal("cron trigger time not computed")
	}
	if got.TriggerTime.Minute()%5 != 0 {
		t.Errorf("trigger %v is not on a /5 boundary", got.TriggerTime)
	}
}

func TestEngine_ExecutionLockPreventsDoubleRun(t *testing.T) {
	var concurrent atomic.Int32
	var peak atomic.Int32
	var mu sync.Mutex
	runs := map[string]int{}

	engine := newTestEngine(t, MessageRunnerFunc(func(_ context.Context, task *models.ScheduledTask) error {
		now := concurrent.Add(1)
		if now > peak.Load() {
			peak.Store(now)
		}
		mu.Lock()
		runs[task.TaskID]++
		mu.Unlock()
		time.Sleep(150 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}))
	engine.Start()

	task := delayTask(20 * time.Millisecond)
	engine.Set(context.Background(), task)

	// Flood the queue with the same task id to race the workers.
	for i := 0; i < 10; i++ {
		engine.queue <- task.TaskID
	}

	time.Sleep(time.Second)
	mu.Lock()
	defer mu.Unlock()
	if runs[task.TaskID] != 1 {
		t.Errorf("task executed %d times, want 1", runs[task.TaskID])
	}
	if peak.Load() > 1 {
		t.Errorf("peak concurrency for one task id = %d", peak.Load())
	}
}

func TestEngine_CancelRemovesTask(t *testing.T) {
	engine := newTestEngine(t, MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error {
		return nil
	}))
	task := delayTask(time.Hour)
	engine.Set(context.Background(), task)

	if err := engine.Cancel(context.Background(), task.TaskID); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Get(task.TaskID); ok {
		t.Error("cancelled task still registered")
	}
	if err := engine.Cancel(context.Background(), task.TaskID); err == nil {
		t.Error("cancelling twice should fail")
	}
}

func TestEngine_RestoreFromDisk(t *testing.T) {
	store, _ := persistence.NewManager(t.TempDir(), t.TempDir())
	runner := MessageRunnerFunc(func(context.Context, *models.ScheduledTask) error { return nil })

	first, _ := NewEngine("ws", store, runner)
	task := delayTask(time.Hour)
	first.Set(context.Background(), task)

	second, err := NewEngine("ws", store, runner)
	if err != nil {
		t.Fatal(err)
	}
	restored, ok := second.Get(task.TaskID)
	if !ok {
		t.Fatal("task not restored")
	}
	if restored.Description != "morning" {
		t.Errorf("restored = %+v", restored)
	}
}
