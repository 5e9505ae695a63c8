// Package reliability provides the retry policies used when talking to the
// broker, and a circuit breaker for the debounce cache.
//
// Two policies are provided:
//   - IntervalBackoff: linear growth bounded by a maximum, used for
//     publish-attempt retries (absorbing transient broker unavailability)
//   - ExponentialBackoff: exponential growth with jitter, used for
//     reconnecting a dropped connection
//
// CircuitBreaker fails calls fast once a dependency keeps failing, then lets
// a trial call through after the open timeout.
//
// These retries are about the network call only. Retrying the processing of
// a message is done through the delay queue, not here.
//
// Example usage:
//
//	err := reliability.Retry(ctx, "publish", reliability.DefaultPublishPolicy(), func() error {
//	    return publishOnce()
//	})
package reliability
