// Package audit keeps the append-only trail of authorized actions.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

// Store persists entries. repo.Repo satisfies it.
type Store interface {
	InsertAudit(ctx context.Context, e domain.AuditLogEntry) error
	ListAudit(ctx context.Context, f repo.AuditFilters) ([]domain.AuditLogEntry, error)
}

type Entry struct {
	OrgID      string
	ActorID    string
	Operation  string
	Resource   string
	ResourceID string
}

type Logger struct {
	Store  Store
	Log    *zap.Logger
	Now    func() time.Time
	failed atomic.Int64
}

func New(store Store, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.L()
	}
	return &Logger{Store: store, Log: log.Named("audit"), Now: time.Now}
}

// Record appends e. A failed write is logged and counted, never returned:
// the audited operation has already committed.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.Store == nil {
		return
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	entry := domain.AuditLogEntry{
		ID:        uuid.NewString(),
		OrgID:     e.OrgID,
		ActorID:   e.ActorID,
		Operation: e.Operation,
		Resource:  e.Resource,
		CreatedAt: now().UTC(),
	}
	if e.ResourceID != "" {
		id := e.ResourceID
		entry.ResourceID = &id
	}
	// The parent request may be finishing; the write must not be cut short.
	if err := l.Store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		l.failed.Add(1)
		l.logger().Error("audit write failed",
			zap.String("org_id", e.OrgID),
			zap.String("actor_id", e.ActorID),
			zap.String("operation", e.Operation),
			zap.String("resource", e.Resource),
			zap.String("resource_id", e.ResourceID),
			zap.Error(err))
	}
}

func (l *Logger) List(ctx context.Context, f repo.AuditFilters) ([]domain.AuditLogEntry, error) {
	return l.Store.ListAudit(ctx, f)
}

// Failed counts entries that could not be written.
func (l *Logger) Failed() int64 {
	return l.failed.Load()
}

func (l *Logger) logger() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.L()
}
