// Package transport owns broker connectivity for hsp peers.
//
// Ownership boundary:
// - broker abstraction with NATS and in-memory implementations
// - publish retry with exponential backoff and a circuit breaker
// - single I/O goroutine for broker writes and connection state
// - bounded inbound dispatch queues sharded by topic
// - reconnect and resubscribe after unexpected connection loss
package transport
