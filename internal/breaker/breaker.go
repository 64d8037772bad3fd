// Package breaker implements the circuit breaker protecting each LLM
// provider. A breaker trips OPEN after consecutive failures, probes with
// HALF_OPEN after a cool-down, and closes again after enough successes.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davybot/dawei/internal/retry"
)

// State is the breaker state machine position.
type State string

const (
	// StateClosed admits all requests.
	StateClosed State = "CLOSED"

	// StateOpen rejects all requests until the cool-down elapses.
	StateOpen State = "OPEN"

	// StateHalfOpen admits probe requests while recovery is evaluated.
	StateHalfOpen State = "HALF_OPEN"
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the consecutive success count that closes a half-open breaker.
	SuccessThreshold int `yaml:"success_threshold"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// WindowSize bounds the rolling request-outcome history.
	WindowSize int `yaml:"window_size"`

	// MaxRetries is the retry budget per Call for retryable errors.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter randomizes backoff delays.
	Jitter bool `yaml:"jitter"`
	// JitterFactor is the jitter amplitude (default 0.25).
	JitterFactor float64 `yaml:"jitter_factor"`

	// Retryable classifies errors worth retrying. When nil, nothing retries.
	Retryable func(error) bool `yaml:"-"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		WindowSize:       100,
		MaxRetries:       5,
		BaseDelay:        time.Second,
		MaxDelay:         60 * time.Second,
		Jitter:           true,
		JitterFactor:     0.25,
	}
}

// OpenError is returned when a call is rejected because the breaker is open.
type OpenError struct {
	// RetryAfter is how long until the breaker will probe again.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN, retry in %.1fs", e.RetryAfter.Seconds())
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State        State   `json:"state"`
	FailureCount int     `json:"failure_count"`
	SuccessCount int     `json:"success_count"`
	WindowSize   int     `json:"window_size"`
	SuccessRate  float64 `json:"success_rate"`
}

// Breaker is a per-provider circuit breaker with built-in backoff retry.
type Breaker struct {
	config Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	history      []bool

	now func() time.Time
}

// New creates a breaker. Zero or negative thresholds, timeout, window size
// and delays fall back to defaults; MaxRetries falls back only when negative
// (zero disables retries), and Jitter is used as given.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	return &Breaker{
		config: config,
		logger: slog.With("component", "breaker", "provider", name),
		state:  StateClosed,
		now:    time.Now,
	}
}

// allow reports whether a request may proceed, transitioning OPEN to
// HALF_OPEN once the cool-down has elapsed.
func (b *Breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true, 0
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.config.Timeout {
			b.logger.Info("breaker entering HALF_OPEN")
			b.state = StateHalfOpen
			b.successCount = 0
			return true, 0
		}
		return false, b.config.Timeout - elapsed
	}
	return false, b.config.Timeout
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.pushHistory(true)

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.logger.Info("breaker recovered to CLOSED")
			b.state = StateClosed
			b.successCount = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.pushHistory(false)

	switch {
	case b.state == StateHalfOpen:
		b.logger.Warn("breaker failed in HALF_OPEN, reopening")
		b.state = StateOpen
		b.openedAt = b.now()
		b.successCount = 0
	case b.failureCount >= b.config.FailureThreshold:
		b.logger.Warn("breaker opened", "failures", b.failureCount)
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// pushHistory must be called with the mutex held.
func (b *Breaker) pushHistory(ok bool) {
	b.history = append(b.history, ok)
	if len(b.history) > b.config.WindowSize {
		b.history = b.history[1:]
	}
}

// Call runs fn through the breaker with exponential-backoff retry for
// retryable error classes. It rejects immediately with *OpenError while
// the breaker is open. The breaker records exactly one outcome per Call.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, retryAfter := b.allow()
	if !ok {
		return &OpenError{RetryAfter: retryAfter}
	}

	backoff := retry.Config{
		InitialDelay: b.config.BaseDelay,
		MaxDelay:     b.config.MaxDelay,
		Factor:       2.0,
		Jitter:       b.config.Jitter,
		JitterFactor: b.config.JitterFactor,
	}

	var lastErr error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			b.recordFailure()
			return err
		}

		err := fn(ctx)
		if err == nil {
			b.recordSuccess()
			return nil
		}
		lastErr = err

		retryable := b.config.Retryable != nil && b.config.Retryable(err)
		if !retryable || attempt == b.config.MaxRetries {
			b.recordFailure()
			return lastErr
		}

		delay := retry.Delay(backoff, attempt+1)
		b.logger.Warn("request failed, backing off",
			"attempt", attempt+1,
			"max_attempts", b.config.MaxRetries+1,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			b.recordFailure()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	b.recordFailure()
	return lastErr
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	successRate := 1.0
	if len(b.history) > 0 {
		okCount := 0
		for _, ok := range b.history {
			if ok {
				okCount++
			}
		}
		successRate = float64(okCount) / float64(len(b.history))
	}
	return Stats{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		WindowSize:   len(b.history),
		SuccessRate:  successRate,
	}
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.history = b.history[:0]
}
