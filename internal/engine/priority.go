package engine

import (
	"context"
	"fmt"
	"time"

	"taskdesk/internal/domain"
	"taskdesk/internal/events"
	"taskdesk/internal/notify"
)

const NotifyPriorityEscalated = "task.priority_escalated"

// PriorityEscalation updates priority and fans out a single notification
// when it rises.
type PriorityEscalation struct {
	Users    UserLookup
	Messages *notify.Catalog
	Now      func() time.Time
}

// ChangePriority raises or lowers t.Priority. A rise notifies every tenant
// user not in excluded. The value is assumed valid.
func (p PriorityEscalation) ChangePriority(ctx context.Context, batch *events.Batch, t *domain.Task, next domain.Priority, actor domain.Actor, excluded []string) error {
	if next > t.Priority {
		recipients, err := tenantRecipients(ctx, p.Users, t.OrgID, excluded)
		if err != nil {
			return fmt.Errorf("escalation recipients: %w", err)
		}
		data := messageData(*t, actor)
		data["Priority"] = p.Messages.Priority(int(next))
		batch.Notify(events.Notification{
			OrgID:      t.OrgID,
			Event:      NotifyPriorityEscalated,
			TargetType: "task",
			TargetID:   t.ID,
			Message:    p.Messages.Render(NotifyPriorityEscalated, data),
			Recipients: recipients,
			Actions:    []events.Action{{Label: p.Messages.Render("action.open", nil), Operation: "GET"}},
			OccurredAt: p.Now(),
		})
	}
	t.Priority = next
	t.PriorityChangedAt = p.Now()
	return nil
}

func tenantRecipients(ctx context.Context, users UserLookup, orgID string, excluded []string) ([]string, error) {
	all, err := users.TenantUsers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	out := make([]string, 0, len(all))
	for _, id := range all {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
