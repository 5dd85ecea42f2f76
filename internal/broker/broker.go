// Package broker abstracts submit/consume/ack against a message queue
// transport, so the worker pool and scheduler never depend on NATS
// directly.
package broker

import (
	"context"

	"github.com/swarmguard/taskengine/internal/envelope"
)

// Delivery pairs a consumed envelope with the handle used to acknowledge
// or reject it.
type Delivery struct {
	Task envelope.Task
	Ack  AckHandle
}

// AckHandle lets a consumer acknowledge or reject a delivered envelope.
// An envelope that is neither acked nor nacked within the broker's
// visibility window is redelivered.
type AckHandle interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Broker is the transport-agnostic contract C5 and C7 publish/consume
// against. Implementations provide at-least-once delivery: FIFO within a
// single queue when consumers use prefetch=1, unordered otherwise.
type Broker interface {
	// Submit enqueues task durably, returning once the broker has accepted
	// responsibility. Returns apperr.ErrBrokerUnavailable if the broker
	// cannot be reached within the configured retry budget.
	Submit(ctx context.Context, task envelope.Task) error

	// Consume returns a channel of deliveries for queue. prefetch bounds
	// how many unacknowledged deliveries may be outstanding at once; a
	// prefetch of 1 yields FIFO processing order.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	// Startup establishes the broker connection. Idempotent.
	Startup(ctx context.Context) error
	// Shutdown drains in-flight work and closes the connection. Idempotent.
	Shutdown(ctx context.Context) error
}
