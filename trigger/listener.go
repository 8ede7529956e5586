package trigger

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/configmesh/tablesync/eventing"
	"github.com/configmesh/tablesync/logger"
)

// DefaultMaxInFlight bounds concurrent notification handling per listener.
const DefaultMaxInFlight = 8

// Listener connects a notification bus subscription to a Handler. Each
// message is parsed and dispatched on a bounded worker group; malformed
// payloads are logged and dropped (there is nothing to retry).
type Listener struct {
	handler *Handler
	client  eventing.Client
	log     logger.Logger
	group   *errgroup.Group
	sub     eventing.Subscriber
}

// ListenerOption configures a Listener.
type ListenerOption func(*listenerOptions)

type listenerOptions struct {
	queue       string
	maxInFlight int
}

// WithQueue makes the listener join a consumer group, so one worker per
// group handles each notification. Without it every listener gets every
// notification, which is still correct (the handler is idempotent) but
// wasteful across a fleet.
func WithQueue(queue string) ListenerOption {
	return func(o *listenerOptions) { o.queue = queue }
}

// WithMaxInFlight bounds concurrent handling.
func WithMaxInFlight(n int) ListenerOption {
	return func(o *listenerOptions) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// Listen subscribes to a subject and dispatches notifications until the
// context is cancelled or the listener is closed.
func Listen(ctx context.Context, client eventing.Client, subject string, handler *Handler, log logger.Logger, opts ...ListenerOption) (*Listener, error) {
	options := &listenerOptions{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(options)
	}

	l := &Listener{
		handler: handler,
		client:  client,
		log:     log.With(map[string]interface{}{"component": "listener", "subject": subject}),
	}
	l.group = &errgroup.Group{}
	l.group.SetLimit(options.maxInFlight)

	cb := func(ctx context.Context, msg eventing.Message) {
		event, err := ParseChangeEvent(msg.Data())
		if err != nil {
			l.log.Error("dropping unparseable notification: %v", err)
			return
		}
		l.group.Go(func() error {
			// Handle logs and dead-letters its own failures; the group only
			// bounds concurrency.
			_, _ = l.handler.Handle(ctx, event)
			return nil
		})
	}

	var sub eventing.Subscriber
	var err error
	if options.queue != "" {
		sub, err = client.QueueSubscribe(ctx, subject, options.queue, cb)
	} else {
		sub, err = client.Subscribe(ctx, subject, cb)
	}
	if err != nil {
		return nil, err
	}
	l.sub = sub
	return l, nil
}

// Close stops the subscription and waits for in-flight handlers.
func (l *Listener) Close() error {
	err := l.sub.Close()
	_ = l.group.Wait()
	return err
}
