package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

// ActivitySink persists domain events to the tenant activity feed.
type ActivitySink struct {
	Repo repo.Repo
}

func (s ActivitySink) PublishEvent(ctx context.Context, e DomainEvent) error {
	return s.Repo.InsertActivity(ctx, domain.Activity{
		ID:         e.ID,
		OrgID:      e.OrgID,
		Name:       e.Name,
		Summary:    e.Summary,
		OccurredAt: e.OccurredAt,
	})
}

// LogSink writes everything to the operational log.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.L()
}

func (s LogSink) PublishEvent(_ context.Context, e DomainEvent) error {
	s.logger().Info("event", zap.String("name", e.Name), zap.String("org_id", e.OrgID), zap.String("summary", e.Summary))
	return nil
}

func (s LogSink) PublishNotification(_ context.Context, n Notification) error {
	s.logger().Info("notification",
		zap.String("event", n.Event),
		zap.String("target", n.TargetType+"/"+n.TargetID),
		zap.String("recipients", strings.Join(n.Recipients, ",")),
		zap.String("message", n.Message))
	return nil
}
