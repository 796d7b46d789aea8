// Package dispatch invokes a step's assigned tool backend over a
// request/response RPC channel with timeout, bounded internal retry and a
// fixed error-code taxonomy. The client is stateless per invocation and
// never publishes events; it returns data for the engine to fold.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/retry"
)

// Invocation is the ephemeral request handed to a tool backend. It is not
// persisted beyond the RPC's lifetime.
type Invocation struct {
	ID              string            `json:"invocationId"`
	PlanID          string            `json:"planId"`
	StepID          string            `json:"stepId"`
	Tool            string            `json:"tool"`
	Capability      string            `json:"capability"`
	CapabilityLabel string            `json:"capabilityLabel"`
	Labels          []string          `json:"labels,omitempty"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timeout         time.Duration     `json:"-"`
}

// Result is one entry of the ordered result sequence a tool call emits.
type Result struct {
	InvocationID string          `json:"invocationId"`
	PlanID       string          `json:"planId"`
	StepID       string          `json:"stepId"`
	State        plan.StepState  `json:"state"`
	Summary      string          `json:"summary"`
	Output       json.RawMessage `json:"output,omitempty"`
	Diff         *plan.Diff      `json:"diff,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// Backend is the RPC channel to one tool/agent implementation. A backend
// that has already completed an invocation id must return the prior result
// rather than re-executing.
type Backend interface {
	Invoke(ctx context.Context, inv Invocation) ([]Result, error)
}

// ClientConfig tunes the dispatch client.
type ClientConfig struct {
	DefaultTimeout   time.Duration // per-call budget when the invocation has none
	Retry            retry.Policy  // inner RPC retry, independent of the engine's outer budget
	RatePerSecond    float64       // per-backend invoke rate; 0 disables limiting
	RateBurst        int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultClientConfig mirrors production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultTimeout:   30 * time.Second,
		Retry:            retry.DefaultInner(),
		RatePerSecond:    10,
		RateBurst:        20,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

type backendGuard struct {
	backend Backend
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// Client routes invocations to registered backends with retry, rate limiting
// and circuit breaking per backend.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]*backendGuard
}

// NewClient creates a dispatch client with no registered backends.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultClientConfig().DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultInner()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		backends: make(map[string]*backendGuard),
	}
}

// Register binds a backend to a tool name, replacing any previous binding.
func (c *Client) Register(tool string, b Backend) {
	guard := &backendGuard{backend: b}
	if c.cfg.RatePerSecond > 0 {
		burst := c.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		guard.limiter = rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), burst)
	}
	if c.cfg.BreakerThreshold > 0 {
		guard.breaker = NewCircuitBreaker(tool, c.cfg.BreakerThreshold, c.cfg.BreakerReset)
	}
	c.mu.Lock()
	c.backends[tool] = guard
	c.mu.Unlock()
}

// ExecuteTool invokes the backend assigned to the invocation's tool and
// returns its ordered result sequence. Retryable failures are retried within
// the client's own budget; the surfaced error is always a typed *Error.
func (c *Client) ExecuteTool(ctx context.Context, inv Invocation) ([]Result, error) {
	c.mu.RLock()
	guard, ok := c.backends[inv.Tool]
	c.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeInvalidArgument, fmt.Sprintf("no backend registered for tool %q", inv.Tool), nil)
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	var lastErr *Error
	for attempt := 0; ; attempt++ {
		if delay := c.cfg.Retry.Delay(attempt, inv.ID); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctxError("interrupted while backing off", ctx.Err())
			}
		}

		results, err := c.invokeOnce(ctx, guard, inv, timeout)
		if err == nil {
			return results, nil
		}
		lastErr = err

		if !lastErr.Retryable || c.cfg.Retry.Exhausted(attempt+1) {
			break
		}
		c.logger.Warn("tool invocation failed, retrying",
			"tool", inv.Tool,
			"invocation", inv.ID,
			"attempt", attempt+1,
			"code", lastErr.Code,
			"error", lastErr.Message,
		)
	}
	return nil, lastErr
}

func (c *Client) invokeOnce(ctx context.Context, guard *backendGuard, inv Invocation, timeout time.Duration) ([]Result, *Error) {
	if guard.limiter != nil {
		if err := guard.limiter.Wait(ctx); err != nil {
			return nil, ctxError("interrupted while rate limited", err)
		}
	}
	if guard.breaker != nil && !guard.breaker.Allow() {
		return nil, NewError(CodeUnavailable, fmt.Sprintf("circuit open for tool %q", inv.Tool), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := guard.backend.Invoke(callCtx, inv)
	if err == nil {
		if guard.breaker != nil {
			guard.breaker.Success()
		}
		return results, nil
	}
	if guard.breaker != nil {
		guard.breaker.Failure()
	}
	return nil, Classify(err)
}

// ctxError wraps a context interruption: cancellation and deadline expiry
// carry distinct codes so step summaries stay truthful.
func ctxError(msg string, err error) *Error {
	code := CodeTimeout
	if errors.Is(err, context.Canceled) {
		code = CodeCancelled
	}
	return NewError(code, msg, err)
}

// Classify maps an arbitrary backend error onto the taxonomy. Typed errors
// pass through; context deadlines become timeouts, caller cancellation is
// cancelled; transport-level network errors are transient; everything else
// is unknown and terminal.
func Classify(err error) *Error {
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "tool call deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeCancelled, "tool call cancelled", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return NewError(CodeUnavailable, "network failure reaching tool backend", err)
	}
	return NewError(CodeUnknown, err.Error(), err)
}
