package events

import (
	"context"
	"sync"
)

// Recorder keeps everything published to it. It serves as an Outbox and as
// both sink kinds.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	events        []DomainEvent
}

func (r *Recorder) Publish(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, b.Notifications...)
	r.events = append(r.events, b.Events...)
}

func (r *Recorder) PublishNotification(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) PublishEvent(_ context.Context, e DomainEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

func (r *Recorder) Events() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DomainEvent(nil), r.events...)
}

// EventNames lists recorded domain event names in order.
func (r *Recorder) EventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

// NotificationsFor returns the notifications named event.
func (r *Recorder) NotificationsFor(event string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.notifications = nil
	r.events = nil
	r.mu.Unlock()
}
