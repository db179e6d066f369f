package engine

import (
	"context"

	"github.com/jmoiron/sqlx"

	"taskdesk/internal/audit"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
)

const EventUserTransitionedTask = "user.transitioned_task"

// checkTransition applies the fixed transition table. DELAYED is reachable
// only through Delay, and a same-status call never gets here.
func checkTransition(t domain.Task, to domain.TaskStatus) error {
	from := t.Status
	if from.Terminal() {
		return domain.Invalid("task %s is %s and cannot change status", t.ID, from)
	}
	if to == domain.StatusDelayed {
		return domain.Invalid("task %s can only be delayed with the delay operation", t.ID)
	}
	if !t.Assigned() {
		if from == domain.StatusReady && to == domain.StatusCancelled {
			return nil
		}
		return domain.Invalid("task %s has no assignee; it cannot move from %s to %s", t.ID, from, to)
	}
	switch {
	case from == domain.StatusReady && (to == domain.StatusInProgress || to == domain.StatusCancelled),
		from == domain.StatusInProgress && to == domain.StatusCompleted,
		from == domain.StatusDelayed && to == domain.StatusInProgress,
		from == domain.StatusScheduled && to == domain.StatusReady:
		return nil
	}
	return domain.Invalid("task %s cannot move from %s to %s", t.ID, from, to)
}

// applyTransition stamps and persists a status change and emits its events.
// It does not consult the transition table.
func (e Engine) applyTransition(ctx context.Context, tx *sqlx.Tx, batch *events.Batch, t *domain.Task, to domain.TaskStatus, actor domain.Actor) error {
	if t.Status == domain.StatusDelayed && to != domain.StatusDelayed {
		if err := e.delays().CloseOpenDelay(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	now := e.now()
	if to.Terminal() && t.FinishedAt == nil {
		by := actor.ID
		t.FinishedBy = &by
		t.FinishedAt = &now
	}
	if to == domain.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Status = to
	t.StatusChangedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	data := messageData(*t, actor)
	batch.Emit(e.event(*t, to.EventName(), data))
	batch.Emit(e.event(*t, EventUserTransitionedTask, data))
	return nil
}

// Transition moves a task to status. Asking for the current status changes
// nothing and records nothing.
func (e Engine) Transition(ctx context.Context, actor domain.Actor, taskID string, status domain.TaskStatus) (domain.Task, error) {
	to, err := domain.ParseTaskStatus(string(status))
	if err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err = e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpTransition, assigneeOf)
		if err != nil {
			return nil, err
		}
		out = t
		if t.Status == to {
			return nil, nil
		}
		if err := checkTransition(t, to); err != nil {
			return nil, err
		}
		if err := e.applyTransition(ctx, tx, batch, &t, to, actor); err != nil {
			return nil, err
		}
		out = t
		return taskEntry(actor, t, auth.OpTransition), nil
	})
	return out, err
}

// EndDelay resumes a delayed task.
func (e Engine) EndDelay(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpTransition, assigneeOf)
		if err != nil {
			return nil, err
		}
		if t.Status != domain.StatusDelayed {
			return nil, domain.Invalid("task %s is not delayed", t.ID)
		}
		if err := checkTransition(t, domain.StatusInProgress); err != nil {
			return nil, err
		}
		if err := e.applyTransition(ctx, tx, batch, &t, domain.StatusInProgress, actor); err != nil {
			return nil, err
		}
		out = t
		return taskEntry(actor, t, auth.OpTransition), nil
	})
	return out, err
}

type DelayRequest struct {
	DelayFor int64
	Reason   string
	Snoozed  *bool
}

// Delay moves a task to DELAYED, replacing any open delay.
func (e Engine) Delay(ctx context.Context, actor domain.Actor, taskID string, req DelayRequest) (domain.Task, domain.DelayedTask, error) {
	if req.DelayFor <= 0 {
		return domain.Task{}, domain.DelayedTask{}, domain.Invalid("delay must be a positive number of seconds")
	}
	var (
		out   domain.Task
		delay domain.DelayedTask
	)
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpDelay, assigneeOf)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return nil, domain.Invalid("task %s is %s and cannot be delayed", t.ID, t.Status)
		}
		if !t.Assigned() {
			return nil, domain.Invalid("task %s has no assignee; it cannot be delayed", t.ID)
		}
		delay, err = e.delays().OpenDelay(ctx, tx, t.ID, DelayOptions{
			DelayFor:  req.DelayFor,
			DelayedBy: actor.ID,
			Reason:    req.Reason,
			Snoozed:   req.Snoozed,
		})
		if err != nil {
			return nil, err
		}
		changed := t.Status != domain.StatusDelayed
		if changed {
			t.Status = domain.StatusDelayed
			t.StatusChangedAt = e.now()
		}
		if err := e.Repo.UpdateTask(ctx, tx, &t); err != nil {
			return nil, err
		}
		data := messageData(t, actor)
		batch.Emit(e.event(t, domain.StatusDelayed.EventName(), data))
		if changed {
			batch.Emit(e.event(t, EventUserTransitionedTask, data))
		}
		out = t
		return taskEntry(actor, t, auth.OpDelay), nil
	})
	return out, delay, err
}

const NotifyTaskDropped = "task.dropped"

// Drop hands a task back: it is unassigned, returned to READY, and every
// other tenant user is told it is available.
func (e Engine) Drop(ctx context.Context, actor domain.Actor, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		t, err := e.loadTask(ctx, tx, actor, taskID, auth.OpDrop, assigneeOf)
		if err != nil {
			return nil, err
		}
		switch {
		case t.Status.Terminal():
			return nil, domain.Invalid("task %s is %s and cannot be dropped", t.ID, t.Status)
		case t.Status == domain.StatusScheduled:
			return nil, domain.Invalid("task %s is scheduled; reassign it instead of dropping", t.ID)
		case !t.Assigned():
			return nil, domain.Invalid("task %s has no assignee to drop", t.ID)
		}
		e.assignments().Unassign(batch, &t, actor)
		if t.Status != domain.StatusReady {
			err = e.applyTransition(ctx, tx, batch, &t, domain.StatusReady, actor)
		} else {
			err = e.Repo.UpdateTask(ctx, tx, &t)
		}
		if err != nil {
			return nil, err
		}
		recipients, err := tenantRecipients(ctx, e.Users, t.OrgID, []string{actor.ID})
		if err != nil {
			return nil, err
		}
		batch.Notify(events.Notification{
			OrgID:      t.OrgID,
			Event:      NotifyTaskDropped,
			TargetType: "task",
			TargetID:   t.ID,
			Message:    e.Messages.Render(NotifyTaskDropped, messageData(t, actor)),
			Recipients: recipients,
			Actions:    []events.Action{{Label: e.Messages.Render("action.pick_up", nil), Operation: "ASSIGN"}},
			OccurredAt: e.now(),
		})
		out = t
		return taskEntry(actor, t, auth.OpDrop), nil
	})
	return out, err
}
