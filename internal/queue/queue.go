package queue

import (
	"context"
)

// Publisher publishes replay messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg ReplayMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg ReplayMessage) error

// Consumer consumes replay messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// ReplayQueue holds webhook deliveries awaiting another processing
	// attempt.
	ReplayQueue = "webhook.replay"

	// ReplayDLQ receives deliveries that exhausted their attempts.
	ReplayDLQ = "dlq.webhook.replay"
)
