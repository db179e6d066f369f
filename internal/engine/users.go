package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"taskdesk/internal/audit"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
)

const EventUserRoleChanged = "user.role_changed"

type NewUser struct {
	ID    string
	OrgID string
	Role  string
	Name  string
	Email string
}

// AddUser creates a member of an organisation. Nobody can create a user
// with a role above their own.
func (e Engine) AddUser(ctx context.Context, actor domain.Actor, nu NewUser) (domain.User, error) {
	role, err := auth.ParseRole(nu.Role)
	if err != nil {
		return domain.User{}, domain.Invalid("%v", err)
	}
	if nu.OrgID == "" {
		nu.OrgID = actor.OrgID
	}
	if nu.ID == "" {
		nu.ID = uuid.NewString()
	}
	var out domain.User
	err = e.mutate(ctx, func(tx *sqlx.Tx, _ *events.Batch) (*audit.Entry, error) {
		if _, err := e.Authz.Authorize(ctx, actor, auth.OpCreate, auth.ResUser, auth.Target{OrgID: nu.OrgID}); err != nil {
			return nil, err
		}
		if err := auth.CheckRoleChange(actor, "", role); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetOrg(ctx, nu.OrgID); err != nil {
			return nil, err
		}
		u := domain.User{
			ID:        nu.ID,
			OrgID:     nu.OrgID,
			Role:      string(role),
			Name:      nu.Name,
			Email:     nu.Email,
			Enabled:   true,
			CreatedAt: e.now(),
		}
		if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		out = u
		return &audit.Entry{OrgID: u.OrgID, ActorID: actor.ID, Operation: string(auth.OpCreate), Resource: string(auth.ResUser), ResourceID: u.ID}, nil
	})
	return out, err
}

// SetUserRole changes a user's role under the rank rules of CheckRoleChange.
func (e Engine) SetUserRole(ctx context.Context, actor domain.Actor, userID, roleID string) (domain.User, error) {
	next, err := auth.ParseRole(roleID)
	if err != nil {
		return domain.User{}, domain.Invalid("%v", err)
	}
	var out domain.User
	err = e.mutate(ctx, func(tx *sqlx.Tx, batch *events.Batch) (*audit.Entry, error) {
		u, err := e.Repo.GetUser(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := e.Authz.Authorize(ctx, actor, auth.OpAssign, auth.ResRoles, auth.Target{OwnerID: u.ID, OrgID: u.OrgID}); err != nil {
			return nil, err
		}
		if err := auth.CheckRoleChange(actor, auth.Role(u.Role), next); err != nil {
			return nil, err
		}
		out = u
		if auth.Role(u.Role) == next {
			return nil, nil
		}
		if err := e.Repo.SetUserRole(ctx, tx, u.ID, string(next)); err != nil {
			return nil, err
		}
		u.Role = string(next)
		out = u
		batch.Emit(events.DomainEvent{
			ID:    uuid.NewString(),
			OrgID: u.OrgID,
			Name:  EventUserRoleChanged,
			Summary: e.Messages.Render(EventUserRoleChanged, map[string]any{
				"Actor": actor.ID, "Subject": u.ID, "Role": u.Role,
			}),
			OccurredAt: e.now(),
		})
		return &audit.Entry{OrgID: u.OrgID, ActorID: actor.ID, Operation: string(auth.OpAssign), Resource: string(auth.ResRoles), ResourceID: u.ID}, nil
	})
	return out, err
}

func (e Engine) CreateLabel(ctx context.Context, actor domain.Actor, orgID, name string) (domain.Label, error) {
	if name == "" {
		return domain.Label{}, domain.Invalid("label name is required")
	}
	if orgID == "" {
		orgID = actor.OrgID
	}
	l := domain.Label{ID: uuid.NewString(), OrgID: orgID, Name: name}
	err := e.mutate(ctx, func(tx *sqlx.Tx, _ *events.Batch) (*audit.Entry, error) {
		if _, err := e.Authz.Authorize(ctx, actor, auth.OpCreate, auth.ResLabel, auth.Target{OrgID: orgID}); err != nil {
			return nil, err
		}
		if err := e.Repo.InsertLabel(ctx, tx, l); err != nil {
			return nil, fmt.Errorf("insert label: %w", err)
		}
		return &audit.Entry{OrgID: orgID, ActorID: actor.ID, Operation: string(auth.OpCreate), Resource: string(auth.ResLabel), ResourceID: l.ID}, nil
	})
	return l, err
}
