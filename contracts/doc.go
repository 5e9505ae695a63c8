// Package contracts defines the envelope carried by every in-flight message
// and the outcome signals a handler can return.
//
// The envelope lives in the AMQP headers so it survives redelivery through
// the delay and dead-letter queues:
//   - uuid: assigned once, preserved across redelivery
//   - retries: incremented once per delivery attempt
//   - error_trail: append-only list of failure descriptions
//   - debounced: set when the debounce gate deferred the message
//
// Handlers signal routing decisions by returning errors built with Reject,
// Debounce or Known. Classify turns a handler result into an Outcome.
package contracts
