package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/config"
	"taskdesk/internal/engine/auth"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default-org", cfg.Org.ID)

	perms, err := cfg.Permissions()
	require.NoError(t, err)
	store := auth.NewPermissionStore(perms)
	scope, ok := store.Lookup(auth.RoleUser, auth.OpTransition, auth.ResTask)
	require.True(t, ok)
	assert.Equal(t, auth.ScopeSelf, scope)
	_, ok = store.Lookup(auth.RoleUser, auth.OpAssign, auth.ResRoles)
	assert.False(t, ok)
}

func TestFromYAMLRejectsBadPermission(t *testing.T) {
	_, err := config.FromYAML([]byte(`org:
  id: o
rbac:
  roles:
    user:
      permissions: ["TRANSITION:TASK:EVERYWHERE"]
`))
	require.Error(t, err)

	_, err = config.FromYAML([]byte(`org:
  id: o
rbac:
  roles:
    janitor:
      permissions: ["GET:TASK:ORG"]
`))
	require.Error(t, err)
}

func TestFromYAMLRejectsDuplicatePermission(t *testing.T) {
	_, err := config.FromYAML([]byte(`org:
  id: o
rbac:
  roles:
    user:
      permissions: ["GET:TASK:ORG", "GET:TASK:SELF"]
`))
	require.ErrorContains(t, err, "duplicate")
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "default-org", cfg.Org.ID)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Queue.Size)
}

func TestWebhookDeliver(t *testing.T) {
	off := false
	assert.True(t, config.WebhookConfig{}.Deliver("event"))
	assert.True(t, config.WebhookConfig{Kind: "notification"}.Deliver("notification"))
	assert.False(t, config.WebhookConfig{Kind: "notification"}.Deliver("event"))
	assert.False(t, config.WebhookConfig{Enabled: &off}.Deliver("event"))
}
