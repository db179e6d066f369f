package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultQueueSize = 1024

// Queue is a bounded outbox drained by a single dispatcher goroutine.
type Queue struct {
	ch            chan Batch
	log           *zap.Logger
	mu            sync.RWMutex
	notifications []NotificationSink
	events        []EventSink
	dropped       atomic.Int64
	failed        atomic.Int64
}

func NewQueue(size int, log *zap.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = zap.L()
	}
	return &Queue{ch: make(chan Batch, size), log: log.Named("events")}
}

func (q *Queue) AddNotificationSink(s NotificationSink) {
	q.mu.Lock()
	q.notifications = append(q.notifications, s)
	q.mu.Unlock()
}

func (q *Queue) AddEventSink(s EventSink) {
	q.mu.Lock()
	q.events = append(q.events, s)
	q.mu.Unlock()
}

// Publish enqueues b, dropping it when the queue is full.
func (q *Queue) Publish(b Batch) {
	if b.Empty() {
		return
	}
	select {
	case q.ch <- b:
	default:
		q.dropped.Add(1)
		q.log.Warn("outbound queue full, dropping batch",
			zap.Int("notifications", len(b.Notifications)), zap.Int("events", len(b.Events)))
	}
}

// Run dispatches batches until ctx is done, then drains what is buffered.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case b := <-q.ch:
			q.dispatch(ctx, b)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	ctx := context.Background()
	for {
		select {
		case b := <-q.ch:
			q.dispatch(ctx, b)
		default:
			return
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, b Batch) {
	q.mu.RLock()
	notifications, events := q.notifications, q.events
	q.mu.RUnlock()
	for _, e := range b.Events {
		for _, s := range events {
			if err := s.PublishEvent(ctx, e); err != nil {
				q.failed.Add(1)
				q.log.Warn("event delivery failed", zap.String("event", e.Name), zap.String("org_id", e.OrgID), zap.Error(err))
			}
		}
	}
	for _, n := range b.Notifications {
		for _, s := range notifications {
			if err := s.PublishNotification(ctx, n); err != nil {
				q.failed.Add(1)
				q.log.Warn("notification delivery failed", zap.String("event", n.Event), zap.String("target_id", n.TargetID), zap.Error(err))
			}
		}
	}
}

// Dropped counts batches rejected because the queue was full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Failed counts individual sink deliveries that returned an error.
func (q *Queue) Failed() int64 {
	return q.failed.Load()
}

// Len is the number of buffered batches.
func (q *Queue) Len() int {
	return len(q.ch)
}
