package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"taskdesk/internal/audit"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
	"taskdesk/internal/notify"
	"taskdesk/internal/repo"
)

// UserLookup resolves users without the engine depending on how they are stored.
type UserLookup interface {
	auth.OrgResolver
	TenantUsers(ctx context.Context, orgID string) ([]string, error)
}

type Engine struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Authz    *auth.Authorizer
	Audit    *audit.Logger
	Outbox   events.Outbox
	Users    UserLookup
	Messages *notify.Catalog
	Log      *zap.Logger
	Now      func() time.Time
}

// New wires an engine over conn. Events go to outbox once their
// transaction commits.
func New(conn *sqlx.DB, perms *auth.PermissionStore, outbox events.Outbox, log *zap.Logger) Engine {
	if log == nil {
		log = zap.L()
	}
	if outbox == nil {
		outbox = events.Discard
	}
	r := repo.Repo{DB: conn}
	return Engine{
		DB:       conn,
		Repo:     r,
		Authz:    auth.NewAuthorizer(perms, r),
		Audit:    audit.New(r, log),
		Outbox:   outbox,
		Users:    r,
		Messages: notify.Default(),
		Log:      log.Named("engine"),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.L()
}

func (e Engine) outbox() events.Outbox {
	if e.Outbox != nil {
		return e.Outbox
	}
	return events.Discard
}

func (e Engine) delays() DelayTracker {
	return DelayTracker{Repo: e.Repo, Now: e.now}
}

func (e Engine) assignments() AssignmentManager {
	return AssignmentManager{Messages: e.Messages, Now: e.now}
}

func (e Engine) priorities() PriorityEscalation {
	return PriorityEscalation{Users: e.Users, Messages: e.Messages, Now: e.now}
}

// mutate runs fn in one write transaction. After commit the buffered batch
// is handed to the outbox and the returned audit entry, if any, is recorded.
// Nothing is published or audited when fn or the commit fails.
func (e Engine) mutate(ctx context.Context, fn func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error)) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var batch events.Batch
	entry, err := fn(tx, &batch)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.outbox().Publish(batch)
	if entry != nil {
		e.Audit.Record(ctx, *entry)
	}
	return nil
}

// loadTask reads a task inside tx and authorizes op on it. owner is the user
// whose ownership SELF scope is checked against.
func (e Engine) loadTask(ctx context.Context, tx *sqlx.Tx, actor domain.Actor, taskID string, op auth.Operation, owner func(domain.Task) string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if _, err := e.Authz.Authorize(ctx, actor, op, auth.ResTask, taskTarget(t, owner(t))); err != nil {
		return t, err
	}
	return t, nil
}

func taskTarget(t domain.Task, owner string) auth.Target {
	return auth.Target{OwnerID: owner, OrgID: t.OrgID}
}

func assigneeOf(t domain.Task) string {
	return t.Assignee()
}

func taskEntry(actor domain.Actor, t domain.Task, op auth.Operation) *audit.Entry {
	return &audit.Entry{
		OrgID:      t.OrgID,
		ActorID:    actor.ID,
		Operation:  string(op),
		Resource:   string(auth.ResTask),
		ResourceID: t.ID,
	}
}

func (e Engine) event(t domain.Task, name string, data map[string]any) events.DomainEvent {
	return events.DomainEvent{
		ID:         uuid.NewString(),
		OrgID:      t.OrgID,
		Name:       name,
		Summary:    e.Messages.Render(name, data),
		OccurredAt: e.now(),
	}
}

func messageData(t domain.Task, actor domain.Actor) map[string]any {
	return map[string]any{
		"Title":    t.Title,
		"Actor":    actor.ID,
		"Assignee": t.Assignee(),
		"Status":   string(t.Status),
	}
}

// Retry re-runs fn while it fails with a retryable error, up to attempts times.
func Retry[T any](ctx context.Context, attempts int, fn func(ctx context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		out, err = fn(ctx)
		if err == nil || !domain.Retryable(err) {
			return out, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, multierr.Append(err, ctxErr)
		}
	}
	return out, err
}
