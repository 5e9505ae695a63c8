package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonRetryable marks errors that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
	// ErrCircuitOpen is returned while a circuit breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError describes a call rejected by an open circuit
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s after %d/%d failures, next attempt at %s",
		e.Name, e.State, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	return true
}
