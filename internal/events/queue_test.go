package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskdesk/internal/events"
)

type failingSink struct{}

func (failingSink) PublishEvent(context.Context, events.DomainEvent) error {
	return errors.New("boom")
}

func TestQueueDispatchesToSinks(t *testing.T) {
	q := events.NewQueue(4, zap.NewNop())
	rec := &events.Recorder{}
	q.AddEventSink(rec)
	q.AddEventSink(failingSink{})
	q.AddNotificationSink(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	var b events.Batch
	b.Emit(events.DomainEvent{Name: "task.assigned"})
	b.Notify(events.Notification{Event: "task.assigned_to_you", Recipients: []string{"bob"}})
	q.Publish(b)

	require.Eventually(t, func() bool {
		return len(rec.Events()) == 1 && len(rec.Notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int64(1), q.Failed())
}

func TestQueuePublishNeverBlocks(t *testing.T) {
	q := events.NewQueue(1, zap.NewNop())
	var b events.Batch
	b.Emit(events.DomainEvent{Name: "task.ready"})

	q.Publish(b)
	q.Publish(b)
	q.Publish(events.Batch{})

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, int64(1), q.Dropped())
}

func TestQueueDrainsOnShutdown(t *testing.T) {
	q := events.NewQueue(8, zap.NewNop())
	rec := &events.Recorder{}
	q.AddEventSink(rec)
	for i := 0; i < 3; i++ {
		var b events.Batch
		b.Emit(events.DomainEvent{Name: "task.ready"})
		q.Publish(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	assert.Len(t, rec.Events(), 3)
}
