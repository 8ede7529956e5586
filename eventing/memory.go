package eventing

import (
	"context"
	"sync"
)

type memoryMessage struct {
	data    []byte
	headers Headers
}

func (m *memoryMessage) Data() []byte {
	return m.data
}

func (m *memoryMessage) Headers() Headers {
	return m.headers
}

type memorySubscriber struct {
	unsubscribe func()
}

func (s *memorySubscriber) Close() error {
	s.unsubscribe()
	return nil
}

type memorySubscription struct {
	queue string // empty for broadcast subscribers
	cb    MessageCallback
}

// memoryClient is an in-process notification client for tests and
// single-node deployments. Queue semantics are approximated: one member per
// group receives each message, picked round-robin.
type memoryClient struct {
	mu     sync.Mutex
	subs   map[string]map[int]*memorySubscription
	nextID int
	rr     map[string]int
	closed bool
}

var _ Client = (*memoryClient)(nil)

// NewMemoryClient creates an in-process notification client.
func NewMemoryClient() Client {
	return &memoryClient{
		subs: make(map[string]map[int]*memorySubscription),
		rr:   make(map[string]int),
	}
}

func (c *memoryClient) deliver(ctx context.Context, subject string, data []byte, queued bool, opts ...PublishOption) error {
	msg := &memoryMessage{data: data, headers: make(Headers)}
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	for _, header := range options.Headers {
		if len(header) == 2 {
			msg.headers[header[0]] = header[1]
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var targets []MessageCallback
	if queued {
		// One callback per consumer group, round-robin within the group.
		byQueue := make(map[string][]*memorySubscription)
		for _, sub := range c.subs[subject] {
			if sub.queue != "" {
				byQueue[sub.queue] = append(byQueue[sub.queue], sub)
			}
		}
		for queue, members := range byQueue {
			idx := c.rr[subject+"/"+queue] % len(members)
			c.rr[subject+"/"+queue]++
			targets = append(targets, members[idx].cb)
		}
	} else {
		for _, sub := range c.subs[subject] {
			if sub.queue == "" {
				targets = append(targets, sub.cb)
			}
		}
	}
	c.mu.Unlock()

	for _, cb := range targets {
		cb(ctx, msg)
	}
	return nil
}

func (c *memoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	return c.deliver(ctx, subject, data, false, opts...)
}

func (c *memoryClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	return c.deliver(ctx, subject, data, true, opts...)
}

func (c *memoryClient) subscribe(subject, queue string, cb MessageCallback) Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[subject] == nil {
		c.subs[subject] = make(map[int]*memorySubscription)
	}
	id := c.nextID
	c.nextID++
	c.subs[subject][id] = &memorySubscription{queue: queue, cb: cb}
	return &memorySubscriber{unsubscribe: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[subject], id)
	}}
}

func (c *memoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	return c.subscribe(subject, "", cb), nil
}

func (c *memoryClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	return c.subscribe(subject, queue, cb), nil
}

func (c *memoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string]map[int]*memorySubscription)
	return nil
}
