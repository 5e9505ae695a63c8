package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/interceptors"
	"github.com/glimte/rabbitsafe/monitor"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/rabbitsafe/messaging"

// DefaultNackDelay is how long a delivery is held before it is returned to
// the broker after a failed routing publish
const DefaultNackDelay = time.Second

// Routing destinations reported to metrics
const (
	destinationDead  = "dead"
	destinationDelay = "delay"
)

// panicError carries a recovered handler panic and the stack it came from
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Dispatcher runs one delivery through the interceptor chain and the
// callback, then routes it by outcome:
//   - completed: acknowledged
//   - rejected: sent to the dead-letter queue
//   - debounced: sent to the delay queue
//   - failed: error appended to the trail, then sent to the delay queue
//     while retries remain, to the dead-letter queue otherwise
//
// The original delivery is acknowledged only after the routing publish
// succeeded. If that publish fails the delivery is nacked with requeue so
// the broker redelivers it, after a pause of at most the nack delay.
type Dispatcher struct {
	queue     *Queue
	dead      *Queue
	delay     *Queue
	retry     RetryConfig
	handler   interceptors.Handler
	publisher Republisher
	metrics   *monitor.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	nackDelay time.Duration
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatchRetry sets the retry configuration
func WithDispatchRetry(retry RetryConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = retry
	}
}

// WithDispatchInterceptors runs interceptors between the envelope
// bookkeeping and the callback
func WithDispatchInterceptors(list ...interceptors.Interceptor) DispatcherOption {
	return func(d *Dispatcher) {
		d.handler = interceptors.NewChain(list...).Then(d.handler)
	}
}

// WithDispatchMetrics records outcomes
func WithDispatchMetrics(metrics *monitor.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTracer sets the tracer used for the per-message span
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithNackDelay sets the pause before a delivery that could not be routed
// is nacked. Zero nacks at once.
func WithNackDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.nackDelay = delay
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher for deliveries of queue
func NewDispatcher(queue *Queue, handler interceptors.Handler, publisher Republisher, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:     queue,
		dead:      DeadLetterQueue(queue),
		delay:     DelayQueue(queue),
		retry:     DefaultRetryConfig(),
		handler:   handler,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		nackDelay: DefaultNackDelay,
	}

	for _, opt := range options {
		opt(d)
	}

	// envelope bookkeeping always runs first
	d.handler = interceptors.NewChain(interceptors.Envelope(d.logger)...).Then(d.handler)

	return d
}

// Handle adapts Dispatch to rabbitmq.MessageHandler
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) {
	d.Dispatch(ctx, delivery)
}

// Dispatch processes a delivery and settles it with the broker. Once
// started it runs to completion even if ctx is cancelled; cancellation only
// cuts short the pause before a nack.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery amqp.Delivery) contracts.Outcome {
	start := time.Now()
	msg := contracts.NewDelivery(delivery)
	runCtx := ctx
	ctx = context.WithoutCancel(ctx)
	ctx, span := d.tracer.Start(ctx, "rabbitsafe.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", d.queue.Name),
		),
	)
	defer span.End()

	outcome := contracts.Classify(d.invoke(ctx, msg))

	span.SetAttributes(
		attribute.String("rabbitsafe.uuid", msg.UUID()),
		attribute.Int("rabbitsafe.retries", msg.Retries()),
		attribute.String("rabbitsafe.outcome", outcome.Kind.String()),
	)

	if err := d.route(ctx, msg, outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		d.logger.Error("failed to route message, returning it to the broker",
			"uuid", msg.UUID(),
			"queue", d.queue.Name,
			"outcome", outcome.Kind.String(),
			"error", err,
		)
		d.pause(runCtx)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			d.logger.Error("failed to nack message", "uuid", msg.UUID(), "error", nackErr)
		}
		d.metrics.RecordNack(d.queue.Name)
		d.metrics.RecordDispatch(d.queue.Name, outcome.Kind.String(), msg.Retries(), time.Since(start))
		return outcome
	}

	if outcome.Kind == contracts.Failed {
		span.SetStatus(codes.Error, outcome.Reason())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if err := msg.Ack(false); err != nil {
		d.logger.Error("failed to ack message", "uuid", msg.UUID(), "error", err)
	} else {
		d.logger.Info("acked", "uuid", msg.UUID(), "queue", d.queue.Name)
	}

	d.metrics.RecordDispatch(d.queue.Name, outcome.Kind.String(), msg.Retries(), time.Since(start))
	return outcome
}

// pause keeps a delivery that could not be routed from bouncing straight
// back while the broker side is failing
func (d *Dispatcher) pause(ctx context.Context) {
	if d.nackDelay <= 0 {
		return
	}

	timer := time.NewTimer(d.nackDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// invoke runs the handler chain, turning a panic into an error
func (d *Dispatcher) invoke(ctx context.Context, msg *contracts.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	return d.handler.Handle(ctx, msg)
}

// route publishes msg to the queue its outcome calls for
func (d *Dispatcher) route(ctx context.Context, msg *contracts.Delivery, outcome contracts.Outcome) error {
	switch outcome.Kind {
	case contracts.Completed:
		return nil

	case contracts.Rejected:
		d.logger.Error(outcome.Reason(), "uuid", msg.UUID(), "queue", d.queue.Name)
		return d.reject(ctx, msg)

	case contracts.Debounced:
		d.logger.Error(outcome.Reason(), "uuid", msg.UUID(), "queue", d.queue.Name)
		if !d.retry.Enabled {
			d.logger.Warn("debounced message has no delay queue, dead-lettering",
				"uuid", msg.UUID(),
				"queue", d.queue.Name,
			)
			return d.reject(ctx, msg)
		}
		return d.requeue(ctx, msg)

	default:
		d.logFailure(msg, outcome)
		msg.AppendError(outcome.Reason())
		if d.retry.Enabled && msg.Retries() < d.retry.MaxRetries {
			return d.requeue(ctx, msg)
		}
		return d.reject(ctx, msg)
	}
}

func (d *Dispatcher) logFailure(msg *contracts.Delivery, outcome contracts.Outcome) {
	attrs := []any{
		"uuid", msg.UUID(),
		"queue", d.queue.Name,
		"retries", msg.Retries(),
		"error", outcome.Err,
	}

	if outcome.Known {
		d.logger.Error("known error while processing message", attrs...)
		return
	}

	stack := debug.Stack()
	var p *panicError
	if errors.As(outcome.Err, &p) {
		stack = p.stack
	}
	d.logger.Error("exception while processing message", append(attrs, "stack", string(stack))...)
}

func (d *Dispatcher) reject(ctx context.Context, msg *contracts.Delivery) error {
	d.logger.Info("rejecting", "uuid", msg.UUID(), "queue", d.dead.Name)
	if err := d.republish(ctx, d.dead, msg); err != nil {
		return err
	}
	d.metrics.RecordRouted(d.queue.Name, destinationDead)
	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, msg *contracts.Delivery) error {
	d.logger.Info("requeuing", "uuid", msg.UUID(), "queue", d.delay.Name, "delay", d.retry.Delay)
	if err := d.republish(ctx, d.delay, msg, WithExpiration(d.retry.Delay)); err != nil {
		return err
	}
	d.metrics.RecordRouted(d.queue.Name, destinationDelay)
	return nil
}

func (d *Dispatcher) republish(ctx context.Context, target *Queue, msg *contracts.Delivery, extra ...PublishOption) error {
	opts := []PublishOption{WithHeaders(contracts.CopyHeaders(msg.Headers))}
	if msg.ContentType != "" {
		opts = append(opts, WithContentType(msg.ContentType))
	}
	if msg.Priority > 0 {
		opts = append(opts, WithPriority(msg.Priority))
	}
	opts = append(opts, extra...)

	return d.publisher.Publish(ctx, target, msg.Body, opts...)
}
