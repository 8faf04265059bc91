package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/rabbitlink/internal/actor"
	"github.com/glimte/rabbitlink/internal/reliability"
)

var (
	// ErrHandlerTimeout is returned when a handler outlives its deadline
	ErrHandlerTimeout = errors.New("interceptors: handler timed out")

	// ErrHandlerPanic is returned when a handler panics
	ErrHandlerPanic = errors.New("interceptors: handler panicked")
)

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with every interceptor of the chain. Later changes to
// the chain do not affect the returned handler.
func (c *Chain) Then(final actor.DeliveryHandler) actor.DeliveryHandler {
	c.logger.Debug("building delivery handler chain", "interceptors", c.Names())

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg actor.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error {
	start := time.Now()

	err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.ErrorContext(ctx, "message processing failed",
			"queue", msg.Queue,
			"deliveryTag", msg.DeliveryTag,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.DebugContext(ctx, "message processed",
			"queue", msg.Queue,
			"deliveryTag", msg.DeliveryTag,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor gives the handler a deadline through ctx. The handler
// still runs to completion on the calling goroutine, so deliveries are never
// handled concurrently; one that ignores ctx holds up the next delivery.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error {
	if i.timeout <= 0 {
		return next(ctx, msg)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, msg)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v for delivery %d on %s", ErrHandlerTimeout, i.timeout, msg.DeliveryTag, msg.Queue)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor converts a panic in the rest of the chain into an
// error so a faulty handler cannot take the connection down
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.ErrorContext(ctx, "delivery handler panicked",
				"queue", msg.Queue,
				"deliveryTag", msg.DeliveryTag,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// CircuitBreakerInterceptor stops calling the handler while the breaker is
// open. Messages arriving in that window are already acknowledged and are
// only logged.
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error {
	return i.breaker.Execute(ctx, func(ctx context.Context) error {
		return next(ctx, msg)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
