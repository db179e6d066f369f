package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"taskdesk/internal/audit"
	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertAudit(ctx context.Context, e domain.AuditLogEntry) error {
	return m.Called(e).Error(0)
}

func (m *mockStore) ListAudit(ctx context.Context, f repo.AuditFilters) ([]domain.AuditLogEntry, error) {
	args := m.Called(f)
	return args.Get(0).([]domain.AuditLogEntry), args.Error(1)
}

func TestRecordWritesEntry(t *testing.T) {
	store := &mockStore{}
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.On("InsertAudit", mock.MatchedBy(func(e domain.AuditLogEntry) bool {
		return e.OrgID == "org-1" && e.ActorID == "alice" && e.Operation == "TRANSITION" &&
			e.Resource == "TASK" && e.ResourceID != nil && *e.ResourceID == "t1" && e.CreatedAt.Equal(fixed) && e.ID != ""
	})).Return(nil).Once()

	l := audit.New(store, zap.NewNop())
	l.Now = func() time.Time { return fixed }
	l.Record(context.Background(), audit.Entry{OrgID: "org-1", ActorID: "alice", Operation: "TRANSITION", Resource: "TASK", ResourceID: "t1"})

	store.AssertExpectations(t)
	assert.Zero(t, l.Failed())
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	store := &mockStore{}
	store.On("InsertAudit", mock.Anything).Return(errors.New("disk full"))
	core, logs := observer.New(zap.ErrorLevel)

	l := audit.New(store, zap.New(core))
	l.Record(context.Background(), audit.Entry{OrgID: "org-1", ActorID: "alice", Operation: "DROP", Resource: "TASK"})

	assert.Equal(t, int64(1), l.Failed())
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit write failed", entry.Message)
	assert.Equal(t, "DROP", entry.ContextMap()["operation"])
}

func TestRecordOnNilLogger(t *testing.T) {
	var l *audit.Logger
	l.Record(context.Background(), audit.Entry{})
}
