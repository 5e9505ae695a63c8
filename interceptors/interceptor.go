package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
)

// Handler processes a single delivery
type Handler interface {
	Handle(ctx context.Context, d *contracts.Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, d *contracts.Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, d *contracts.Delivery) error {
	return f(ctx, d)
}

// Interceptor wraps the handling of a delivery
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d *contracts.Delivery, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d *contracts.Delivery, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered interceptor pipeline. The first interceptor added is
// the outermost one.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with every interceptor of the chain
func (c *Chain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, d *contracts.Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		})
	}
	return handler
}

// Execute runs d through the chain and final
func (c *Chain) Execute(ctx context.Context, d *contracts.Delivery, final Handler) error {
	return c.Then(final).Handle(ctx, d)
}

// Built-in interceptors

// LoggingInterceptor logs callback timing
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
func (i *LoggingInterceptor) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	start := time.Now()

	err := next.Handle(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.Debug("callback returned error",
			"uuid", d.UUID(),
			"retries", d.Retries(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("callback completed",
			"uuid", d.UUID(),
			"retries", d.Retries(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// FinallyInterceptor runs a cleanup function after every callback
type FinallyInterceptor struct {
	cleanup func(ctx context.Context)
}

// Finally creates an interceptor that calls cleanup once the rest of the
// chain returns, whatever it returned. Use it to release per-message
// resources such as database connections.
func Finally(cleanup func(ctx context.Context)) *FinallyInterceptor {
	return &FinallyInterceptor{cleanup: cleanup}
}

// Intercept implements Interceptor
func (i *FinallyInterceptor) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	defer i.cleanup(ctx)
	return next.Handle(ctx, d)
}

// Name implements Interceptor
func (i *FinallyInterceptor) Name() string {
	return "FinallyInterceptor"
}
