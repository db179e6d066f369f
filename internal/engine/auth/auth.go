package auth

import (
	"context"
	"errors"
	"fmt"

	"taskdesk/internal/domain"
)

// DenyReason describes why an authorization check was denied.
type DenyReason int

const (
	ReasonNoPermission DenyReason = iota
	ReasonUnknownRole
	ReasonNotOwner
	ReasonOtherOrg
	ReasonNoTarget
	ReasonRank
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNoPermission:
		return "no permission"
	case ReasonUnknownRole:
		return "unknown role"
	case ReasonNotOwner:
		return "not the owner"
	case ReasonOtherOrg:
		return "outside organisation"
	case ReasonNoTarget:
		return "no affected owner"
	case ReasonRank:
		return "insufficient rank"
	default:
		return "unknown"
	}
}

// DeniedError indicates an authorization failure. It is terminal.
type DeniedError struct {
	ActorID   string
	Operation Operation
	Resource  Resource
	Reason    DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s %s denied for %s: %s", e.Operation, e.Resource, e.ActorID, e.Reason)
}

// IsDenied reports whether err carries a DeniedError.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

// OrgResolver resolves the tenant of a user.
type OrgResolver interface {
	OrgOf(ctx context.Context, userID string) (string, error)
}

// Target names the record an operation affects. OwnerID is the user the
// record belongs to; OrgID is set when the record itself carries a tenant.
type Target struct {
	OwnerID string
	OrgID   string
}

// Owner targets a record owned by userID.
func Owner(userID string) Target {
	return Target{OwnerID: userID}
}

func (t Target) empty() bool {
	return t.OwnerID == "" && t.OrgID == ""
}

// Authorizer decides allow/deny for an actor against the permission table.
type Authorizer struct {
	Store *PermissionStore
	Users OrgResolver
}

func NewAuthorizer(store *PermissionStore, users OrgResolver) *Authorizer {
	return &Authorizer{Store: store, Users: users}
}

// Authorize returns the granted scope or a *DeniedError.
func (a *Authorizer) Authorize(ctx context.Context, actor domain.Actor, op Operation, res Resource, target Target) (Scope, error) {
	deny := func(reason DenyReason) (Scope, error) {
		return "", &DeniedError{ActorID: actor.ID, Operation: op, Resource: res, Reason: reason}
	}
	role := Role(actor.Role)
	if !role.Valid() {
		return deny(ReasonUnknownRole)
	}
	scope, ok := a.Store.Lookup(role, op, res)
	if !ok {
		return deny(ReasonNoPermission)
	}
	switch scope {
	case ScopeGlobal:
		return scope, nil
	case ScopeSelf:
		if target.OwnerID == "" {
			return deny(ReasonNoTarget)
		}
		if target.OwnerID != actor.ID {
			return deny(ReasonNotOwner)
		}
		return scope, nil
	case ScopeOrg:
		if target.empty() {
			return deny(ReasonNoTarget)
		}
		orgID := target.OrgID
		if target.OwnerID != "" {
			ownerOrg, err := a.Users.OrgOf(ctx, target.OwnerID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return deny(ReasonOtherOrg)
				}
				return "", fmt.Errorf("resolve owner org: %w", err)
			}
			if orgID != "" && ownerOrg != orgID {
				return deny(ReasonOtherOrg)
			}
			orgID = ownerOrg
		}
		if orgID != actor.OrgID {
			return deny(ReasonOtherOrg)
		}
		return scope, nil
	}
	return deny(ReasonNoPermission)
}

// CheckRoleChange applies the rank rules for granting roles: an actor may
// only grant roles up to its own rank, and may not change the role of a user
// that outranks it.
func CheckRoleChange(actor domain.Actor, current, next Role) error {
	actorRole := Role(actor.Role)
	deny := &DeniedError{ActorID: actor.ID, Operation: OpAssign, Resource: ResRoles, Reason: ReasonRank}
	if !actorRole.Valid() {
		deny.Reason = ReasonUnknownRole
		return deny
	}
	if next.Rank() > actorRole.Rank() {
		return deny
	}
	if current.Rank() > actorRole.Rank() {
		return deny
	}
	return nil
}
