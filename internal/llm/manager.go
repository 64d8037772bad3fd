package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davybot/dawei/internal/breaker"
	"github.com/davybot/dawei/internal/ratelimit"
	"github.com/davybot/dawei/internal/requestqueue"
	"github.com/davybot/dawei/internal/retry"
	"github.com/davybot/dawei/pkg/models"
)

// ManagerConfig configures the shared protection stack.
type ManagerConfig struct {
	RateLimit ratelimit.Config    `yaml:"rate_limit"`
	Breaker   breaker.Config      `yaml:"breaker"`
	Queue     requestqueue.Config `yaml:"queue"`
}

// DefaultManagerConfig returns the default transport configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RateLimit: ratelimit.DefaultConfig(),
		Breaker:   breaker.DefaultConfig(),
		Queue:     requestqueue.DefaultConfig(),
	}
}

// Manager owns the shared protection stack — adaptive rate limiter,
// priority request queue, per-provider circuit breakers, monitoring
// counters — and the registered provider clients. Every streaming request
// flows limiter → queue → breaker → client.
type Manager struct {
	config  ManagerConfig
	limiter *ratelimit.AdaptiveLimiter
	queue   *requestqueue.Queue
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker.Breaker
	clients  map[string]Client
	stopped  bool
}

// NewManager creates a transport manager and starts its request queue.
// Pass prometheus.DefaultRegisterer as reg outside tests.
func NewManager(config ManagerConfig, reg prometheus.Registerer) *Manager {
	m := &Manager{
		config:   config,
		limiter:  ratelimit.New(config.RateLimit),
		queue:    requestqueue.New(config.Queue),
		metrics:  NewMetrics(reg),
		logger:   slog.With("component", "llm.manager"),
		breakers: make(map[string]*breaker.Breaker),
		clients:  make(map[string]Client),
	}
	m.queue.Start()
	return m
}

// Configure creates a client from config and registers it under its
// provider name, replacing any existing registration.
func (m *Manager) Configure(config ClientConfig) error {
	var client Client
	var err error
	if config.Provider == "ollama" {
		client, err = NewOllamaClient(config)
	} else {
		client, err = NewOpenAIClient(config)
	}
	if err != nil {
		return err
	}
	m.Register(client)
	return nil
}

// Register adds a prebuilt client.
func (m *Manager) Register(client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.Provider()] = client
}

// Client returns the registered client for a provider.
func (m *Manager) Client(provider string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[provider]
	return c, ok
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// breakerFor returns the provider's circuit breaker, creating it lazily.
// Breakers never retry permanently-marked errors: a stream that failed
// after emitting events must not replay.
func (m *Manager) breakerFor(provider string) *breaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}
	config := m.config.Breaker
	config.Retryable = func(err error) bool {
		return !retry.IsPermanent(err) && IsRetryable(err)
	}
	b := breaker.New(provider, config)
	m.breakers[provider] = b
	return b
}

// BreakerState reports the provider's breaker state.
func (m *Manager) BreakerState(provider string) breaker.State {
	return m.breakerFor(provider).State()
}

// LimiterStats returns the shared rate limiter counters.
func (m *Manager) LimiterStats() ratelimit.Stats {
	return m.limiter.Stats()
}

// Stream drives one streaming request through the protection stack and
// returns the event channel. The channel is closed after the terminal
// event; transport failures surface as a final error event.
func (m *Manager) Stream(ctx context.Context, provider string, req *Request, priority requestqueue.Priority) (<-chan models.StreamEvent, error) {
	client, ok := m.Client(provider)
	if !ok {
		return nil, ConfigurationError(provider, "provider not configured")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	admitted, wait := m.limiter.Acquire(ctx, 1)
	if !admitted {
		m.metrics.Requests.WithLabelValues(provider, "rejected").Inc()
		return nil, &Error{
			Reason:   ReasonRateLimit,
			Provider: provider,
			Message:  "local rate limiter rejected request, retry in " + wait.String(),
		}
	}

	out := make(chan models.StreamEvent)
	inner := make(chan models.StreamEvent)
	submitDone := make(chan error, 1)
	m.metrics.ActiveRequests.Inc()

	// The queued pump is the sole writer (and closer) of inner; the
	// forwarder below is the sole writer (and closer) of out. The split
	// keeps channel ownership single-sided when a submission is cancelled
	// mid-flight.
	go func() {
		_, err := m.queue.Submit(ctx, func(reqCtx context.Context) (any, error) {
			defer close(inner)
			br := m.breakerFor(provider)
			return nil, br.Call(reqCtx, func(callCtx context.Context) error {
				return m.pump(callCtx, client, req, inner)
			})
		}, priority, 0)
		submitDone <- err
	}()

	go func() {
		defer close(out)
		defer m.metrics.ActiveRequests.Dec()
		defer m.metrics.QueueDepth.Set(float64(m.queue.Stats().Pending))

		var submitErr error
		seenSubmit := false
		src := inner
		for src != nil || !seenSubmit {
			select {
			case event, ok := <-src:
				if !ok {
					src = nil
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					src = nil
				}
			case err := <-submitDone:
				submitErr = err
				seenSubmit = true
				if err != nil && src != nil {
					// The pump, if it started at all, exits promptly once
					// its request context is cancelled; a silent grace
					// window means it never ran.
					select {
					case event, ok := <-src:
						if ok {
							select {
							case out <- event:
							case <-ctx.Done():
							}
							continue
						}
					case <-time.After(2 * time.Second):
					}
					src = nil
				}
			}
		}

		m.metrics.observeOutcome(provider, submitErr)
		if submitErr != nil {
			m.limiter.RecordFailure(IsRateLimit(submitErr))
			select {
			case out <- models.StreamEvent{Type: models.StreamError, ErrMessage: submitErr.Error()}:
			case <-ctx.Done():
			}
			return
		}
		m.limiter.RecordSuccess()
	}()
	return out, nil
}

// pump opens the client stream and forwards events to out. An error after
// events have flowed is marked permanent so the breaker does not replay
// the stream.
func (m *Manager) pump(ctx context.Context, client Client, req *Request, out chan<- models.StreamEvent) error {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return err
	}
	delivered := false
	for event := range events {
		if event.Type == models.StreamError {
			var streamErr error = &Error{
				Reason:   classifyText(event.ErrMessage),
				Provider: client.Provider(),
				Message:  event.ErrMessage,
			}
			if delivered {
				streamErr = retry.Permanent(streamErr)
			}
			return streamErr
		}
		if event.Type == models.StreamUsage && event.Usage != nil {
			m.metrics.Tokens.WithLabelValues(client.Provider(), "prompt").Add(float64(event.Usage.PromptTokens))
			m.metrics.Tokens.WithLabelValues(client.Provider(), "completion").Add(float64(event.Usage.CompletionTokens))
		}
		select {
		case out <- event:
			delivered = true
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		}
	}
	return nil
}

// classifyText classifies an error rendered to a message string.
func classifyText(msg string) ErrorReason {
	return Classify(&textError{msg})
}

type textError struct{ msg string }

func (e *textError) Error() string { return e.msg }

// Stop shuts the transport down: the queue denies new submissions and
// in-flight requests get the given grace period.
func (m *Manager) Stop(graceful time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.queue.Stop(graceful > 0, graceful)
	m.logger.Info("llm manager stopped")
}
