// Package queue defines the execution-message contract between trigger
// sources and workers. The substrate is durable and at-least-once; server
// side deduplication keys on the idempotency tag.
package queue

import "context"

// Message is one execution delivery. Attempt counts deliveries of the same
// logical trigger, not step retries.
type Message struct {
	ExecutionID    string
	JobID          string
	IdempotencyKey string
	Attempt        int
}

// Publisher enqueues a message. A second publish with the same idempotency
// key inside the dedup window is silently discarded by the substrate.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery. A nil return acknowledges the message;
// any error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer runs the delivery loop until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}
