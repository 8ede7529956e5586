// Package trigger turns external change notifications into cache refreshes.
// Notifications arrive at-least-once, possibly duplicated and out of order;
// the handler deduplicates them and drives the sync engine, routing events
// that exhaust their retry budget to a dead-letter path.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrBadEvent means a notification payload could not be parsed.
var ErrBadEvent = errors.New("trigger: malformed change event")

// ChangeEvent is the notification schema. Producers may attach extra fields;
// they are ignored. EventID is optional but enables cheap duplicate
// suppression before any backend is contacted.
type ChangeEvent struct {
	Collection string    `json:"collection"`
	Origin     string    `json:"origin,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
}

// ParseChangeEvent decodes a notification payload, tolerating unknown fields.
func ParseChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, errors.Wrapf(ErrBadEvent, "%v", err)
	}
	if ev.Collection == "" {
		return ChangeEvent{}, errors.Wrap(ErrBadEvent, "missing collection")
	}
	return ev, nil
}

// Marshal encodes the event for publishing.
func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// dedupeKey identifies an event for duplicate suppression. Events without an
// id fall back to collection+timestamp, which still catches exact replays.
// An event with neither field is indistinguishable from any other such
// event, so it gets no key and is never deduplicated.
func (e ChangeEvent) dedupeKey() string {
	if e.EventID != "" {
		return e.Collection + "/" + e.EventID
	}
	if e.Timestamp.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s/@%d", e.Collection, e.Timestamp.UnixNano())
}
