package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
)

type orgMap map[string]string

func (m orgMap) OrgOf(_ context.Context, userID string) (string, error) {
	org, ok := m[userID]
	if !ok {
		return "", domain.NotFound("user", userID)
	}
	return org, nil
}

func newAuthorizer(perms ...auth.Permission) *auth.Authorizer {
	users := orgMap{"alice": "org-1", "bob": "org-1", "carol": "org-2"}
	return auth.NewAuthorizer(auth.NewPermissionStore(perms), users)
}

func perm(role auth.Role, op auth.Operation, res auth.Resource, scope auth.Scope) auth.Permission {
	return auth.Permission{Role: role, Operation: op, Resource: res, Scope: scope}
}

func denyReason(t *testing.T, err error) auth.DenyReason {
	t.Helper()
	var de *auth.DeniedError
	require.True(t, errors.As(err, &de), "expected DeniedError, got %v", err)
	return de.Reason
}

func TestAuthorizeMissingPermissionDenies(t *testing.T) {
	a := newAuthorizer()
	_, err := a.Authorize(context.Background(), domain.Actor{ID: "alice", OrgID: "org-1", Role: "admin"}, auth.OpUpdate, auth.ResTask, auth.Owner("alice"))
	assert.Equal(t, auth.ReasonNoPermission, denyReason(t, err))
	assert.True(t, auth.IsDenied(err))
}

func TestAuthorizeUnknownRole(t *testing.T) {
	a := newAuthorizer(perm(auth.RoleUser, auth.OpGet, auth.ResTask, auth.ScopeGlobal))
	_, err := a.Authorize(context.Background(), domain.Actor{ID: "alice", Role: "wizard"}, auth.OpGet, auth.ResTask, auth.Target{})
	assert.Equal(t, auth.ReasonUnknownRole, denyReason(t, err))
}

func TestAuthorizeSelfScopeRequiresOwner(t *testing.T) {
	ctx := context.Background()
	for _, role := range auth.Roles() {
		a := newAuthorizer(perm(role, auth.OpUpdate, auth.ResUser, auth.ScopeSelf))
		actor := domain.Actor{ID: "alice", OrgID: "org-1", Role: string(role)}

		_, err := a.Authorize(ctx, actor, auth.OpUpdate, auth.ResUser, auth.Owner("bob"))
		assert.Equal(t, auth.ReasonNotOwner, denyReason(t, err), "role %s", role)

		scope, err := a.Authorize(ctx, actor, auth.OpUpdate, auth.ResUser, auth.Owner("alice"))
		require.NoError(t, err)
		assert.Equal(t, auth.ScopeSelf, scope)
	}
}

func TestAuthorizeSelfScopeWithoutOwner(t *testing.T) {
	a := newAuthorizer(perm(auth.RoleUser, auth.OpTransition, auth.ResTask, auth.ScopeSelf))
	actor := domain.Actor{ID: "alice", OrgID: "org-1", Role: "user"}
	_, err := a.Authorize(context.Background(), actor, auth.OpTransition, auth.ResTask, auth.Target{OrgID: "org-1"})
	assert.Equal(t, auth.ReasonNoTarget, denyReason(t, err))
}

func TestAuthorizeOrgScope(t *testing.T) {
	ctx := context.Background()
	a := newAuthorizer(perm(auth.RoleManager, auth.OpAssign, auth.ResTask, auth.ScopeOrg))
	actor := domain.Actor{ID: "alice", OrgID: "org-1", Role: "manager"}

	scope, err := a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Owner("bob"))
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeOrg, scope)

	_, err = a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Owner("carol"))
	assert.Equal(t, auth.ReasonOtherOrg, denyReason(t, err))

	_, err = a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Owner("ghost"))
	assert.Equal(t, auth.ReasonOtherOrg, denyReason(t, err))

	_, err = a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Target{})
	assert.Equal(t, auth.ReasonNoTarget, denyReason(t, err))

	_, err = a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Target{OrgID: "org-1"})
	require.NoError(t, err)

	_, err = a.Authorize(ctx, actor, auth.OpAssign, auth.ResTask, auth.Target{OrgID: "org-1", OwnerID: "carol"})
	assert.Equal(t, auth.ReasonOtherOrg, denyReason(t, err))
}

func TestAuthorizeGlobalScope(t *testing.T) {
	a := newAuthorizer(perm(auth.RoleSuperAdmin, auth.OpUpdate, auth.ResOrganisation, auth.ScopeGlobal))
	actor := domain.Actor{ID: "root", OrgID: "org-9", Role: "superadmin"}
	scope, err := a.Authorize(context.Background(), actor, auth.OpUpdate, auth.ResOrganisation, auth.Target{})
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeGlobal, scope)
}

func TestCheckRoleChange(t *testing.T) {
	admin := domain.Actor{ID: "a", Role: "admin"}
	require.NoError(t, auth.CheckRoleChange(admin, auth.RoleUser, auth.RoleManager))
	require.NoError(t, auth.CheckRoleChange(admin, auth.RoleAdmin, auth.RoleUser))
	assert.Equal(t, auth.ReasonRank, denyReason(t, auth.CheckRoleChange(admin, auth.RoleUser, auth.RoleSuperAdmin)))
	assert.Equal(t, auth.ReasonRank, denyReason(t, auth.CheckRoleChange(admin, auth.RoleSuperAdmin, auth.RoleUser)))
}

func TestParsePermission(t *testing.T) {
	p, err := auth.ParsePermission(auth.RoleUser, "transition:task:self")
	require.NoError(t, err)
	assert.Equal(t, auth.Permission{Role: auth.RoleUser, Operation: auth.OpTransition, Resource: auth.ResTask, Scope: auth.ScopeSelf}, p)

	_, err = auth.ParsePermission(auth.RoleUser, "TRANSITION:TASK")
	assert.Error(t, err)
	_, err = auth.ParsePermission(auth.RoleUser, "FLY:TASK:ORG")
	assert.Error(t, err)
}

func TestPermissionStoreReplace(t *testing.T) {
	s := auth.NewPermissionStore([]auth.Permission{perm(auth.RoleUser, auth.OpGet, auth.ResTask, auth.ScopeOrg)})
	scope, ok := s.Lookup(auth.RoleUser, auth.OpGet, auth.ResTask)
	require.True(t, ok)
	assert.Equal(t, auth.ScopeOrg, scope)

	s.Replace([]auth.Permission{perm(auth.RoleAdmin, auth.OpGet, auth.ResTask, auth.ScopeGlobal)})
	_, ok = s.Lookup(auth.RoleUser, auth.OpGet, auth.ResTask)
	assert.False(t, ok)
	assert.Len(t, s.Permissions(), 1)
}
