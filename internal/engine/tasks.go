package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"taskdesk/internal/audit"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
	"taskdesk/internal/repo"
)

const EventTaskCreated = "task.created"

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                          string
	OrgID                       string
	Title                       string
	Status                      domain.TaskStatus
	Priority                    domain.Priority
	AssigneeID                  string
	ScheduledFor                *time.Time
	ScheduledNotificationPeriod *int
	LabelIDs                    []string
	// SkipNotify suppresses the personal notification to the initial assignee.
	SkipNotify bool
}

func (o *TaskCreateOptions) validate() error {
	if o.Title == "" {
		return domain.Invalid("title is required")
	}
	if !o.Priority.Valid() {
		return domain.Invalid("priority %d is outside 0..2", o.Priority)
	}
	switch o.Status {
	case "":
		o.Status = domain.StatusReady
	case domain.StatusReady, domain.StatusScheduled:
	default:
		return domain.Invalid("a task is created READY or SCHEDULED, not %s", o.Status)
	}
	if o.Status == domain.StatusScheduled {
		if o.ScheduledFor == nil {
			return domain.Invalid("a scheduled task needs scheduled_for")
		}
		if o.AssigneeID == "" {
			return domain.Invalid("a scheduled task needs an assignee")
		}
	} else if o.ScheduledFor != nil || o.ScheduledNotificationPeriod != nil {
		return domain.Invalid("scheduled_for applies to SCHEDULED tasks only")
	}
	if len(o.LabelIDs) > domain.MaxTaskLabels {
		return domain.Invalid("a task carries at most %d labels", domain.MaxTaskLabels)
	}
	seen := map[string]bool{}
	for _, id := range o.LabelIDs {
		if id == "" || seen[id] {
			return domain.Invalid("label ids must be distinct and non-empty")
		}
		seen[id] = true
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, actor domain.Actor, opts TaskCreateOptions) (domain.Task, error) {
	if opts.OrgID == "" {
		opts.OrgID = actor.OrgID
	}
	if err := opts.validate(); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		if _, err := e.Authz.Authorize(ctx, actor, auth.OpCreate, auth.ResTask, auth.Target{OrgID: opts.OrgID}); err != nil {
			return nil, err
		}
		if opts.AssigneeID != "" {
			if _, err := e.Authz.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Target{OwnerID: opts.AssigneeID, OrgID: opts.OrgID}); err != nil {
				return nil, err
			}
			if err := e.checkAssignee(ctx, tx, opts.OrgID, opts.AssigneeID); err != nil {
				return nil, err
			}
		}
		if n, err := e.Repo.CountOrgLabels(ctx, tx, opts.OrgID, opts.LabelIDs); err != nil {
			return nil, err
		} else if n != len(opts.LabelIDs) {
			return nil, domain.Invalid("every label must belong to organisation %s", opts.OrgID)
		}
		order, err := e.Repo.NextDisplayOrder(ctx, tx, opts.OrgID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		t := domain.Task{
			ID:                          id,
			OrgID:                       opts.OrgID,
			Title:                       opts.Title,
			Status:                      opts.Status,
			Priority:                    opts.Priority,
			CreatedBy:                   actor.ID,
			CreatedAt:                   now,
			StatusChangedAt:             now,
			PriorityChangedAt:           now,
			ScheduledFor:                opts.ScheduledFor,
			ScheduledNotificationPeriod: opts.ScheduledNotificationPeriod,
			DisplayOrder:                order,
			LabelIDs:                    opts.LabelIDs,
			Version:                     1,
		}
		batch.Emit(e.event(t, EventTaskCreated, messageData(t, actor)))
		if opts.AssigneeID != "" {
			e.assignments().Assign(batch, &t, opts.AssigneeID, actor, !opts.SkipNotify)
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		out = t
		return taskEntry(actor, t, auth.OpCreate), nil
	})
	return out, err
}

// checkAssignee requires an enabled user of the task's organisation.
func (e Engine) checkAssignee(ctx context.Context, tx *sqlx.Tx, orgID, userID string) error {
	u, err := e.Repo.GetUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if u.OrgID != orgID {
		return domain.Invalid("user %s is not a member of organisation %s", userID, orgID)
	}
	if !u.Enabled {
		return domain.Invalid("user %s is disabled", userID)
	}
	return nil
}

// Assign gives the task to assigneeID. Taking a task from its current
// assignee also requires ASSIGN over that assignee.
func (e Engine) Assign(ctx context.Context, actor domain.Actor, taskID, assigneeID string, notify bool) (domain.Task, error) {
	if assigneeID == "" {
		return domain.Task{}, domain.Invalid("assignee is required")
	}
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpAssign, func(domain.Task) string { return assigneeID })
		if err != nil {
			return nil, err
		}
		out = t
		if t.Assignee() == assigneeID {
			return nil, nil
		}
		if t.Assigned() {
			if _, err := e.Authz.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, taskTarget(t, t.Assignee())); err != nil {
				return nil, err
			}
		}
		if t.Status.Terminal() {
			return nil, domain.Invalid("task %s is %s and cannot be reassigned", t.ID, t.Status)
		}
		if err := e.checkAssignee(ctx, tx, t.OrgID, assigneeID); err != nil {
			return nil, err
		}
		e.assignments().Assign(batch, &t, assigneeID, actor, notify)
		if err := e.Repo.UpdateTask(ctx, tx, &t); err != nil {
			return nil, err
		}
		out = t
		return taskEntry(actor, t, auth.OpAssign), nil
	})
	return out, err
}

// Unassign clears the assignee of a READY task. Other states keep their
// assignee; use Drop to hand work back.
func (e Engine) Unassign(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpAssign, assigneeOf)
		if err != nil {
			return nil, err
		}
		out = t
		if !t.Assigned() {
			return nil, nil
		}
		if t.Status != domain.StatusReady {
			return nil, domain.Invalid("task %s is %s; only READY tasks can be unassigned", t.ID, t.Status)
		}
		e.assignments().Unassign(batch, &t, actor)
		if err := e.Repo.UpdateTask(ctx, tx, &t); err != nil {
			return nil, err
		}
		out = t
		return taskEntry(actor, t, auth.OpAssign), nil
	})
	return out, err
}

// ChangePriority sets the priority. Setting the current value records nothing.
func (e Engine) ChangePriority(ctx context.Context, actor domain.Actor, taskID string, priority domain.Priority) (domain.Task, error) {
	if !priority.Valid() {
		return domain.Task{}, domain.Invalid("priority %d is outside 0..2", priority)
	}
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpUpdate, assigneeOf)
		if err != nil {
			return nil, err
		}
		out = t
		if t.Priority == priority {
			return nil, nil
		}
		if t.Status.Terminal() {
			return nil, domain.Invalid("task %s is %s; its priority is final", t.ID, t.Status)
		}
		if err := e.priorities().ChangePriority(ctx, batch, &t, priority, actor, []string{actor.ID}); err != nil {
			return nil, err
		}
		if err := e.Repo.UpdateTask(ctx, tx, &t); err != nil {
			return nil, err
		}
		out = t
		return taskEntry(actor, t, auth.OpUpdate), nil
	})
	return out, err
}

// ReleaseDueScheduled moves every SCHEDULED task whose time has come to
// READY, on behalf of the user who created it. A task that fails is logged
// and does not stop the others.
func (e Engine) ReleaseDueScheduled(ctx context.Context) ([]domain.Task, error) {
	due, err := e.Repo.DueScheduled(ctx, e.now())
	if err != nil {
		return nil, err
	}
	var (
		released []domain.Task
		errs     error
	)
	for _, candidate := range due {
		t, ok, err := e.release(ctx, candidate.ID)
		if err != nil {
			e.logger().Warn("release scheduled task failed", zap.String("task_id", candidate.ID), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", candidate.ID, err))
			continue
		}
		if ok {
			released = append(released, t)
		}
	}
	return released, errs
}

func (e Engine) release(ctx context.Context, taskID string) (domain.Task, bool, error) {
	var (
		out      domain.Task
		released bool
	)
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != domain.StatusScheduled {
			return nil, nil
		}
		actor := domain.Actor{ID: t.CreatedBy, OrgID: t.OrgID}
		if u, err := e.Repo.GetUser(ctx, tx, t.CreatedBy); err == nil {
			actor = u.Actor()
		}
		if err := checkTransition(t, domain.StatusReady); err != nil {
			return nil, err
		}
		if err := e.applyTransition(ctx, tx, batch, &t, domain.StatusReady, actor); err != nil {
			return nil, err
		}
		out, released = t, true
		return taskEntry(actor, t, auth.OpTransition), nil
	})
	return out, released, err
}

func (e Engine) GetTask(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, taskID)
	if err != nil {
		return t, err
	}
	if _, err := e.Authz.Authorize(ctx, actor, auth.OpGet, auth.ResTask, taskTarget(t, t.Assignee())); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks defaults to the actor's organisation. A SELF grant narrows the
// result to the actor's own tasks.
func (e Engine) ListTasks(ctx context.Context, actor domain.Actor, f repo.TaskFilters) ([]domain.Task, error) {
	if f.OrgID == "" {
		f.OrgID = actor.OrgID
	}
	scope, err := e.Authz.Authorize(ctx, actor, auth.OpGet, auth.ResTask, auth.Target{OwnerID: actor.ID, OrgID: f.OrgID})
	if err != nil {
		return nil, err
	}
	if scope == auth.ScopeSelf {
		f.AssigneeID = actor.ID
		f.Unassigned = false
	}
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) ListDelays(ctx context.Context, actor domain.Actor, taskID string) ([]domain.DelayedTask, error) {
	if _, err := e.GetTask(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListDelays(ctx, taskID)
}

func (e Engine) ListActivity(ctx context.Context, actor domain.Actor, orgID string, limit int) ([]domain.Activity, error) {
	if orgID == "" {
		orgID = actor.OrgID
	}
	if _, err := e.Authz.Authorize(ctx, actor, auth.OpGet, auth.ResTask, auth.Target{OrgID: orgID}); err != nil {
		return nil, err
	}
	return e.Repo.ListActivity(ctx, orgID, limit)
}

// ListAudit requires GET on the organisation whose trail is read.
func (e Engine) ListAudit(ctx context.Context, actor domain.Actor, f repo.AuditFilters) ([]domain.AuditLogEntry, error) {
	if f.OrgID == "" {
		f.OrgID = actor.OrgID
	}
	if _, err := e.Authz.Authorize(ctx, actor, auth.OpGet, auth.ResOrganisation, auth.Target{OrgID: f.OrgID}); err != nil {
		return nil, err
	}
	return e.Audit.List(ctx, f)
}
