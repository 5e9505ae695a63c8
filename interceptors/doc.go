// Package interceptors provides the per-message pipeline run around a
// consumer callback.
//
// A Chain wraps a Handler with Interceptors; the first interceptor added is
// the outermost. Every consumer starts its chain with Envelope, which
// assigns the message uuid and increments the retries header. User
// interceptors follow, then the callback.
//
// Built-in interceptors:
//   - UniqueIDInterceptor and RetryCounterInterceptor: envelope bookkeeping
//   - DebounceInterceptor: collapses bursts of messages per key
//   - LoggingInterceptor: logs callback timing
//   - FinallyInterceptor: runs a cleanup after every callback
//
// Example usage:
//
//	gate := interceptors.NewDebounceInterceptor(
//		cache.NewRedis(redisClient),
//		interceptors.StaticKey("reindex"),
//		time.Minute,
//	)
//	consumer, err := client.NewConsumer(queue, handler,
//		messaging.WithRetries(true),
//		messaging.WithInterceptors(gate),
//	)
package interceptors
