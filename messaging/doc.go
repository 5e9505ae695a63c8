// Package messaging implements reliable consumption on top of RabbitMQ.
//
// Every consumed queue gets a dead-letter queue, and optionally a delay
// queue, derived from its name:
//
//	<queue>.dead   bound to exchange <queue>.dead with key dead.<key>
//	<queue>.delay  bound to exchange <queue>.dead with key delay.<key>,
//	               dead-lettering expired messages to exchange
//	               <queue>.delay, which routes back to <queue>
//
// A Consumer hands each delivery to a Dispatcher, which assigns the
// message uuid, counts the attempt, runs the callback and then either
// acknowledges the message, delays it or dead-letters it. Messages are
// never dropped: a routing publish that fails leaves the delivery with the
// broker.
//
// Callbacks steer the routing through their return value:
//
//	return nil                        // done
//	return contracts.Reject("bad id")  // dead-letter now
//	return contracts.Known("timeout")  // retry, logged without stack
//	return err                        // retry, logged with stack
package messaging
