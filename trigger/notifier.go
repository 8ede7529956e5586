package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/configmesh/tablesync/eventing"
	"github.com/configmesh/tablesync/tablestore"
)

// Notifier publishes change events to the notification bus after commits.
// It plugs into the table store's Publisher hook.
type Notifier struct {
	client  eventing.Client
	subject string
	origin  string
}

var _ tablestore.Publisher = (*Notifier)(nil)

// NewNotifier creates a notifier publishing to the given subject. The origin
// label identifies the producing deployment in the event payload.
func NewNotifier(client eventing.Client, subject, origin string) *Notifier {
	return &Notifier{client: client, subject: subject, origin: origin}
}

// CollectionChanged publishes a change event for the collection.
func (n *Notifier) CollectionChanged(ctx context.Context, collection string, version int64) error {
	event := ChangeEvent{
		Collection: collection,
		Origin:     n.origin,
		Timestamp:  time.Now().UTC(),
		EventID:    uuid.NewString(),
	}
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	return n.client.QueuePublish(ctx, n.subject, payload, eventing.WithHeader("event-id", event.EventID))
}
