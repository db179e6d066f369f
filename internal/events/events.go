package events

import (
	"context"
	"time"
)

// Action is a follow-up the recipient can take from a notification.
type Action struct {
	Label     string `json:"label"`
	Operation string `json:"operation"`
}

// Notification is addressed to explicit recipients.
type Notification struct {
	OrgID      string    `json:"org_id"`
	Event      string    `json:"event"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Message    string    `json:"message"`
	Recipients []string  `json:"recipients"`
	Actions    []Action  `json:"actions,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DomainEvent is a tenant-wide fact for the activity feed.
type DomainEvent struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

type NotificationSink interface {
	PublishNotification(ctx context.Context, n Notification) error
}

type EventSink interface {
	PublishEvent(ctx context.Context, e DomainEvent) error
}

// Batch buffers what one operation emits until its transaction commits.
type Batch struct {
	Notifications []Notification
	Events        []DomainEvent
}

func (b *Batch) Notify(n Notification) {
	b.Notifications = append(b.Notifications, n)
}

func (b *Batch) Emit(e DomainEvent) {
	b.Events = append(b.Events, e)
}

func (b *Batch) Empty() bool {
	return len(b.Notifications) == 0 && len(b.Events) == 0
}

// Names lists the event names of the batch in emission order.
func (b *Batch) Names() []string {
	out := make([]string, 0, len(b.Events)+len(b.Notifications))
	for _, e := range b.Events {
		out = append(out, e.Name)
	}
	for _, n := range b.Notifications {
		out = append(out, n.Event)
	}
	return out
}

// Outbox accepts committed batches. Publish must not block.
type Outbox interface {
	Publish(b Batch)
}

type discard struct{}

func (discard) Publish(Batch) {}

// Discard drops every batch.
var Discard Outbox = discard{}
