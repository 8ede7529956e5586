// Package eventing carries change notifications between writers and sync
// workers. Notifications are hints: losing one only delays convergence until
// the next poll, so delivery is at-most-once on the pub/sub path and
// at-least-once on the queue path.
package eventing

import (
	"context"
)

// Message is a notification received from the bus.
type Message interface {
	Data() []byte
	Headers() Headers
}

// Headers carries message metadata and trace propagation context.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

// Client defines the interface for notification clients.
type Client interface {
	// Publish broadcasts to every subscriber of a subject.
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// QueuePublish appends to a durable queue consumed by one worker per group.
	QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// Subscribe receives every message published to a subject.
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// QueueSubscribe joins a consumer group on a subject; each message is
	// delivered to one member of the group.
	QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}
