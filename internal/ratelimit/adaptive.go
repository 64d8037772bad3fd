// Package ratelimit provides adaptive rate limiting for outbound LLM API
// requests. The limiter scales its rate up after sustained success, down
// after sustained failure, and halves immediately when a provider signals
// a rate limit.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Strategy selects the admission algorithm.
type Strategy string

const (
	// StrategySlidingWindow counts requests in the trailing one-second window.
	StrategySlidingWindow Strategy = "sliding_window"

	// StrategyTokenBucket refills tokens at the current rate up to a burst cap.
	StrategyTokenBucket Strategy = "token_bucket"

	// StrategyLeakyBucket is an alias of the sliding window implementation.
	StrategyLeakyBucket Strategy = "leaky_bucket"
)

// Config configures the adaptive limiter.
type Config struct {
	// InitialRate is the starting rate in requests per second.
	InitialRate float64 `yaml:"initial_rate"`
	// MinRate is the floor the rate never drops below.
	MinRate float64 `yaml:"min_rate"`
	// MaxRate is the ceiling the rate never exceeds.
	MaxRate float64 `yaml:"max_rate"`
	// BurstCapacity is the token bucket size; the sliding window does not use it
	// (it admits int(current rate) requests per second).
	BurstCapacity int `yaml:"burst_capacity"`

	// ScaleUpFactor multiplies the rate after ScaleUpThreshold consecutive successes.
	ScaleUpFactor float64 `yaml:"scale_up_factor"`
	// ScaleDownFactor multiplies the rate after ScaleDownThreshold consecutive failures.
	ScaleDownFactor float64 `yaml:"scale_down_factor"`
	// ScaleUpThreshold is the consecutive success count that triggers scale-up.
	ScaleUpThreshold int `yaml:"scale_up_threshold"`
	// ScaleDownThreshold is the consecutive failure count that triggers scale-down.
	ScaleDownThreshold int `yaml:"scale_down_threshold"`

	// Strategy is the admission algorithm. Default: sliding window.
	Strategy Strategy `yaml:"strategy"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		InitialRate:        5.0,
		MinRate:            0.5,
		MaxRate:            50.0,
		BurstCapacity:      20,
		ScaleUpFactor:      1.2,
		ScaleDownFactor:    0.7,
		ScaleUpThreshold:   10,
		ScaleDownThreshold: 3,
		Strategy:           StrategySlidingWindow,
	}
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	CurrentRate          float64 `json:"current_rate"`
	TotalRequests        int64   `json:"total_requests"`
	TotalSuccesses       int64   `json:"total_successes"`
	TotalFailures        int64   `json:"total_failures"`
	TotalRateLimitErrors int64   `json:"total_rate_limit_errors"`
	SuccessRate          float64 `json:"success_rate"`
	Strategy             string  `json:"strategy"`
}

// AdaptiveLimiter is a self-tuning rate limiter shared by all LLM clients.
type AdaptiveLimiter struct {
	config Config
	logger *slog.Logger

	mu           sync.Mutex
	currentRate  float64
	successCount int
	failureCount int

	// Sliding window: timestamps of admitted requests, oldest first.
	history []time.Time

	// Token bucket state, materialized on first token-bucket acquire.
	bucketTokens float64
	lastRefill   time.Time

	totalRequests        int64
	totalSuccesses       int64
	totalFailures        int64
	totalRateLimitErrors int64

	now func() time.Time
}

// New creates an adaptive limiter. Zero config fields fall back to defaults.
func New(config Config) *AdaptiveLimiter {
	def := DefaultConfig()
	if config.InitialRate <= 0 {
		config.InitialRate = def.InitialRate
	}
	if config.MinRate <= 0 {
		config.MinRate = def.MinRate
	}
	if config.MaxRate <= 0 {
		config.MaxRate = def.MaxRate
	}
	if config.BurstCapacity <= 0 {
		config.BurstCapacity = def.BurstCapacity
	}
	if config.ScaleUpFactor <= 1 {
		config.ScaleUpFactor = def.ScaleUpFactor
	}
	if config.ScaleDownFactor <= 0 || config.ScaleDownFactor >= 1 {
		config.ScaleDownFactor = def.ScaleDownFactor
	}
	if config.ScaleUpThreshold <= 0 {
		config.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if config.ScaleDownThreshold <= 0 {
		config.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}
	return &AdaptiveLimiter{
		config:       config,
		logger:       slog.With("component", "ratelimit"),
		currentRate:  config.InitialRate,
		bucketTokens: float64(config.BurstCapacity),
		now:          time.Now,
	}
}

// Acquire obtains tokens, waiting until the ctx deadline when one is set.
// Without a deadline it fails fast. It returns whether the tokens were
// granted and, on denial, a hint of how long to wait before retrying.
func (l *AdaptiveLimiter) Acquire(ctx context.Context, tokens int) (bool, time.Duration) {
	if tokens <= 0 {
		tokens = 1
	}
	_, hasDeadline := ctx.Deadline()

	for {
		ok, wait := l.tryAcquire(tokens)
		if ok {
			return true, 0
		}
		if !hasDeadline {
			return false, wait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, wait
		case <-timer.C:
		}
	}
}

func (l *AdaptiveLimiter) tryAcquire(tokens int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var ok bool
	var wait time.Duration
	switch l.config.Strategy {
	case StrategyTokenBucket:
		ok, wait = l.tokenBucketAcquire(now, tokens)
	default:
		ok, wait = l.slidingWindowAcquire(now, tokens)
	}
	if ok {
		l.totalRequests++
	}
	return ok, wait
}

func (l *AdaptiveLimiter) slidingWindowAcquire(now time.Time, tokens int) (bool, time.Duration) {
	// Purge entries older than one second.
	cutoff := now.Add(-time.Second)
	idx := 0
	for idx < len(l.history) && !l.history[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.history = append(l.history[:0], l.history[idx:]...)
	}

	maxRequests := int(l.currentRate)
	if maxRequests < 1 {
		maxRequests = 1
	}

	if len(l.history)+tokens <= maxRequests {
		for i := 0; i < tokens; i++ {
			l.history = append(l.history, now)
		}
		return true, 0
	}

	if len(l.history) >= maxRequests {
		// Window full: wait for the oldest entry to expire.
		oldest := l.history[0]
		wait := time.Second - now.Sub(oldest) + 10*time.Millisecond
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		return false, wait
	}
	// Window has room but not enough for the whole batch.
	if maxRequests-len(l.history) >= tokens {
		return false, 100 * time.Millisecond
	}
	return false, 500 * time.Millisecond
}

func (l *AdaptiveLimiter) tokenBucketAcquire(now time.Time, tokens int) (bool, time.Duration) {
	if l.lastRefill.IsZero() {
		l.lastRefill = now
	}
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	l.bucketTokens = min(float64(l.config.BurstCapacity), l.bucketTokens+elapsed*l.currentRate)
	l.lastRefill = now

	need := float64(tokens)
	if l.bucketTokens >= need {
		l.bucketTokens -= need
		return true, 0
	}
	wait := time.Duration((need - l.bucketTokens) / l.currentRate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return false, wait
}

// RecordSuccess notes a successful request and scales the rate up after
// enough consecutive successes.
func (l *AdaptiveLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successCount++
	l.failureCount = 0
	l.totalSuccesses++

	if l.successCount >= l.config.ScaleUpThreshold {
		l.adjustRate(true)
		l.successCount = 0
	}
}

// RecordFailure notes a failed request. A rate-limit failure halves the
// current rate immediately; other failures scale down after the configured
// consecutive-failure threshold.
func (l *AdaptiveLimiter) RecordFailure(isRateLimit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failureCount++
	l.successCount = 0
	l.totalFailures++

	if isRateLimit {
		l.totalRateLimitErrors++
		l.currentRate = max(l.config.MinRate, l.currentRate*0.5)
		l.logger.Warn("rate limit hit, rate halved",
			"current_rate", l.currentRate,
			"failure_count", l.failureCount)
		return
	}
	if l.failureCount >= l.config.ScaleDownThreshold {
		l.adjustRate(false)
		l.failureCount = 0
	}
}

// adjustRate must be called with the mutex held.
func (l *AdaptiveLimiter) adjustRate(up bool) {
	old := l.currentRate
	if up {
		l.currentRate = min(l.config.MaxRate, l.currentRate*l.config.ScaleUpFactor)
	} else {
		l.currentRate = max(l.config.MinRate, l.currentRate*l.config.ScaleDownFactor)
	}
	l.logger.Info("rate adjusted", "old", old, "new", l.currentRate, "up", up)
}

// CurrentRate returns the present requests-per-second limit.
func (l *AdaptiveLimiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}

// Stats returns a snapshot of the limiter counters.
func (l *AdaptiveLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	successRate := 0.0
	if l.totalRequests > 0 {
		successRate = float64(l.totalSuccesses) / float64(l.totalRequests)
	}
	return Stats{
		CurrentRate:          l.currentRate,
		TotalRequests:        l.totalRequests,
		TotalSuccesses:       l.totalSuccesses,
		TotalFailures:        l.totalFailures,
		TotalRateLimitErrors: l.totalRateLimitErrors,
		SuccessRate:          successRate,
		Strategy:             string(l.config.Strategy),
	}
}

// Reset restores the limiter to its initial configuration.
func (l *AdaptiveLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentRate = l.config.InitialRate
	l.successCount = 0
	l.failureCount = 0
	l.history = l.history[:0]
	l.bucketTokens = float64(l.config.BurstCapacity)
	l.lastRefill = time.Time{}
}
