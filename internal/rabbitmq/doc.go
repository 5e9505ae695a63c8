// Package rabbitmq is the thin broker layer underneath the messaging
// package.
//
// It includes:
//   - ConnectionManager: dials the broker and re-dials with backoff when
//     the connection drops
//   - ChannelPool: lends channels to single operations, waiting at most
//     DefaultAcquireTimeout for a free one
//   - TopologyManager: idempotent exchange, queue and binding declaration
//   - Publisher: confirm-mode publishing driven by a reliability.RetryPolicy
//   - Consumer: a blocking consume loop with manual acknowledgement
package rabbitmq
