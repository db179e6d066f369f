package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
)

func openRuntime(t *testing.T) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Log: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestOpenSeedsPermissionsFromConfig(t *testing.T) {
	rt := openRuntime(t)
	scope, ok := rt.Perms.Lookup(auth.RoleManager, auth.OpAssign, auth.ResTask)
	require.True(t, ok)
	assert.Equal(t, auth.ScopeOrg, scope)

	stored, err := rt.Repo.ListPermissions(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, len(rt.Perms.Permissions()))
}

func TestSeedIsIdempotent(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	admin, err := rt.Seed(ctx, app.SeedOptions{AdminID: "root"})
	require.NoError(t, err)
	assert.Equal(t, "default-org", admin.OrgID)
	assert.Equal(t, "admin", admin.Role)

	again, err := rt.Seed(ctx, app.SeedOptions{AdminID: "root", AdminRole: "superadmin"})
	require.NoError(t, err)
	assert.Equal(t, "admin", again.Role)

	actor, err := rt.Actor(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{ID: "root", OrgID: "default-org", Role: "admin"}, actor)

	_, err = rt.Actor(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuntimeDeliversActivity(t *testing.T) {
	rt := openRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := rt.Start(ctx, 0)

	admin, err := rt.Seed(ctx, app.SeedOptions{AdminID: "root"})
	require.NoError(t, err)
	task, err := rt.Engine.CreateTask(ctx, admin.Actor(), engine.TaskCreateOptions{Title: "Check fire exits"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		feed, err := rt.Repo.ListActivity(context.Background(), admin.OrgID, 10)
		return err == nil && len(feed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	feed, err := rt.Repo.ListActivity(context.Background(), admin.OrgID, 10)
	require.NoError(t, err)
	assert.Equal(t, engine.EventTaskCreated, feed[0].Name)
	assert.Contains(t, feed[0].Summary, task.Title)

	cancel()
	<-done
}
