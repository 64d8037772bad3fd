// Package requestqueue provides a bounded, priority-ordered submission
// queue with a fixed worker pool. LLM requests and managed tasks funnel
// through it so concurrency stays capped process-wide.
package requestqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders queued requests. Lower values run first.
type Priority int

const (
	// PriorityCritical is for user-interactive requests.
	PriorityCritical Priority = iota + 1

	// PriorityHigh is for real-time tasks.
	PriorityHigh

	// PriorityNormal is for batch work.
	PriorityNormal

	// PriorityLow is for background work.
	PriorityLow
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")

	// ErrQueueStopped is returned for submissions after Stop.
	ErrQueueStopped = errors.New("request queue is not running")

	// ErrRequestTimeout is returned when a request exceeds its timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// Func is the unit of work executed by the queue.
type Func func(ctx context.Context) (any, error)

type request struct {
	priority   Priority
	submitTime time.Time
	seq        uint64
	id         string
	fn         Func
	timeout    time.Duration
	done       chan outcome
	ctx        context.Context
	cancel     context.CancelFunc
}

type outcome struct {
	value any
	err   error
}

// requestHeap orders by (priority, submit time, sequence) for a strict
// arrival tie-break.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].submitTime.Equal(h[j].submitTime) {
		return h[i].submitTime.Before(h[j].submitTime)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*request)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Config configures the queue.
type Config struct {
	// MaxConcurrent is the worker pool size.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxQueueSize bounds pending submissions.
	MaxQueueSize int `yaml:"max_queue_size"`
	// DefaultTimeout applies when Submit is called with timeout zero.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		MaxQueueSize:   1000,
		DefaultTimeout: 5 * time.Minute,
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Submitted int64 `json:"total_submitted"`
	Completed int64 `json:"total_completed"`
	Failed    int64 `json:"total_failed"`
	Cancelled int64 `json:"total_cancelled"`
	TimedOut  int64 `json:"total_timeout"`
	Pending   int   `json:"current_queue_size"`
	Running   int   `json:"current_running"`
}

// Queue is a priority-ordered, concurrency-capped request queue.
type Queue struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	heap    requestHeap
	seq     uint64
	running bool
	active  int
	stats   Stats
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Zero config fields fall back to defaults.
func New(config Config) *Queue {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = def.MaxQueueSize
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	return &Queue{
		config: config,
		logger: slog.With("component", "requestqueue"),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Starting a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := 0; i < q.config.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("queue started",
		"max_concurrent", q.config.MaxConcurrent,
		"max_queue_size", q.config.MaxQueueSize)
}

// Stop denies new submissions and, when wait is true, lets in-flight work
// finish up to the given timeout before cancelling.
func (q *Queue) Stop(wait bool, timeout time.Duration) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	if wait {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			q.mu.Lock()
			idle := len(q.heap) == 0 && q.active == 0
			q.mu.Unlock()
			if idle {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	q.cancel()
	q.wg.Wait()

	// Fail anything still queued.
	q.mu.Lock()
	for q.heap.Len() > 0 {
		req := heap.Pop(&q.heap).(*request)
		req.done <- outcome{err: ErrQueueStopped}
		q.stats.Cancelled++
	}
	q.stats.Pending = 0
	q.mu.Unlock()
	q.logger.Info("queue stopped")
}

// Submit enqueues fn and blocks until it completes, times out, or the
// queue rejects it. A zero timeout uses the config default.
func (q *Queue) Submit(ctx context.Context, fn Func, priority Priority, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}
	if priority < PriorityCritical || priority > PriorityLow {
		priority = PriorityNormal
	}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	if len(q.heap) >= q.config.MaxQueueSize {
		q.mu.Unlock()
		q.logger.Error("queue full, rejecting request", "max_queue_size", q.config.MaxQueueSize)
		return nil, ErrQueueFull
	}
	q.seq++
	req := &request{
		priority:   priority,
		submitTime: time.Now(),
		seq:        q.seq,
		id:         "req_" + uuid.NewString(),
		fn:         fn,
		timeout:    timeout,
		done:       make(chan outcome, 1),
	}
	heap.Push(&q.heap, req)
	q.stats.Submitted++
	q.stats.Pending = len(q.heap)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-req.done:
		return out.value, out.err
	case <-timer.C:
		q.cancelRequest(req)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		q.cancelRequest(req)
		return nil, ctx.Err()
	}
}

// cancelRequest cancels a running request's context. A request that has
// not been popped yet is marked abandoned instead; pop drops it.
func (q *Queue) cancelRequest(req *request) {
	q.mu.Lock()
	cancel := req.cancel
	if cancel == nil {
		// Not yet running: mark as abandoned so the worker drops it.
		req.fn = nil
	}
	q.stats.TimedOut++
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		req := q.pop()
		if req == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		q.process(req)
	}
}

func (q *Queue) pop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		req := heap.Pop(&q.heap).(*request)
		q.stats.Pending = len(q.heap)
		if req.fn == nil {
			// Abandoned by a timed-out or cancelled submitter.
			continue
		}
		req.ctx, req.cancel = context.WithCancel(q.ctx)
		q.active++
		q.stats.Running = q.active
		return req
	}
	return nil
}

func (q *Queue) process(req *request) {
	defer func() {
		req.cancel()
		q.mu.Lock()
		q.active--
		q.stats.Running = q.active
		q.mu.Unlock()
	}()

	value, err := req.fn(req.ctx)
	q.mu.Lock()
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}
	q.mu.Unlock()
	req.done <- outcome{value: value, err: err}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.heap)
	s.Running = q.active
	return s
}
