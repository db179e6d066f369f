package engine

import (
	"time"

	"github.com/google/uuid"

	"taskdesk/internal/domain"
	"taskdesk/internal/events"
	"taskdesk/internal/notify"
)

const (
	EventTaskAssigned       = "task.assigned"
	EventUserAssignedTask   = "user.assigned_task"
	EventUserWasAssigned    = "user.was_assigned"
	EventTaskUnassigned     = "task.unassigned"
	EventUserUnassignedTask = "user.unassigned_task"
	EventUserWasUnassigned  = "user.was_unassigned"
	NotifyAssignedToYou     = "task.assigned_to_you"
)

// AssignmentManager changes assignees and decides who hears about it.
// Callers authorize ASSIGN on the task first.
type AssignmentManager struct {
	Messages *notify.Catalog
	Now      func() time.Time
}

// Assign sets the assignee and always emits the three assignment events.
// notify only controls the personal notification, which is never sent to
// an actor assigning itself.
func (m AssignmentManager) Assign(batch *events.Batch, t *domain.Task, assigneeID string, actor domain.Actor, notify bool) {
	id := assigneeID
	t.AssigneeID = &id
	data := messageData(*t, actor)
	for _, name := range []string{EventTaskAssigned, EventUserAssignedTask, EventUserWasAssigned} {
		batch.Emit(m.event(*t, name, data))
	}
	if !notify || assigneeID == actor.ID {
		return
	}
	batch.Notify(events.Notification{
		OrgID:      t.OrgID,
		Event:      NotifyAssignedToYou,
		TargetType: "task",
		TargetID:   t.ID,
		Message:    m.Messages.Render(NotifyAssignedToYou, data),
		Recipients: []string{assigneeID},
		Actions:    []events.Action{{Label: m.Messages.Render("action.start", nil), Operation: "TRANSITION"}},
		OccurredAt: m.Now(),
	})
}

// Unassign clears the assignee. It does nothing on an unassigned task.
func (m AssignmentManager) Unassign(batch *events.Batch, t *domain.Task, actor domain.Actor) {
	if !t.Assigned() {
		return
	}
	data := messageData(*t, actor)
	t.AssigneeID = nil
	for _, name := range []string{EventTaskUnassigned, EventUserUnassignedTask, EventUserWasUnassigned} {
		batch.Emit(m.event(*t, name, data))
	}
}

func (m AssignmentManager) event(t domain.Task, name string, data map[string]any) events.DomainEvent {
	return events.DomainEvent{
		ID:         uuid.NewString(),
		OrgID:      t.OrgID,
		Name:       name,
		Summary:    m.Messages.Render(name, data),
		OccurredAt: m.Now(),
	}
}
