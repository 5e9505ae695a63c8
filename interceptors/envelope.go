package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/rabbitsafe/contracts"
	"github.com/google/uuid"
)

// UniqueIDInterceptor makes sure every delivery carries a uuid header and
// logs its receipt
type UniqueIDInterceptor struct {
	logger    *slog.Logger
	reprLimit int
}

// NewUniqueIDInterceptor creates the uuid interceptor
func NewUniqueIDInterceptor(logger *slog.Logger) *UniqueIDInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UniqueIDInterceptor{logger: logger, reprLimit: contracts.DefaultReprLimit}
}

// Intercept implements Interceptor
func (i *UniqueIDInterceptor) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	if d.UUID() == "" {
		d.SetUUID(uuid.NewString())
	}

	i.logger.Info("received message",
		"uuid", d.UUID(),
		"body", contracts.LimitedRepr(d.Body, i.reprLimit),
	)

	return next.Handle(ctx, d)
}

// Name implements Interceptor
func (i *UniqueIDInterceptor) Name() string {
	return "UniqueIDInterceptor"
}

// RetryCounterInterceptor increments the retries header before the
// callback runs, so a message seen for the first time has retries=1
type RetryCounterInterceptor struct{}

// NewRetryCounterInterceptor creates the retry counter
func NewRetryCounterInterceptor() *RetryCounterInterceptor {
	return &RetryCounterInterceptor{}
}

// Intercept implements Interceptor
func (i *RetryCounterInterceptor) Intercept(ctx context.Context, d *contracts.Delivery, next Handler) error {
	d.IncrementRetries()
	return next.Handle(ctx, d)
}

// Name implements Interceptor
func (i *RetryCounterInterceptor) Name() string {
	return "RetryCounterInterceptor"
}

// Envelope returns the interceptors every consumer runs first, in order
func Envelope(logger *slog.Logger) []Interceptor {
	return []Interceptor{
		NewUniqueIDInterceptor(logger),
		NewRetryCounterInterceptor(),
	}
}
