package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/notify"
)

func TestRenderEnglish(t *testing.T) {
	c := notify.Default()
	msg := c.Render("task.assigned_to_you", map[string]any{"Actor": "alice", "Title": "Fix boiler"})
	assert.Equal(t, `alice assigned "Fix boiler" to you`, msg)
	assert.Equal(t, "high", c.Priority(2))
}

func TestRenderFrenchFallsBackToEnglish(t *testing.T) {
	c, err := notify.New(notify.LanguageFr)
	require.NoError(t, err)
	assert.Equal(t, "haute", c.Priority(2))

	de, err := notify.New("de")
	require.NoError(t, err)
	assert.Equal(t, "low", de.Priority(0))
}

func TestRenderUnknownID(t *testing.T) {
	c := notify.Default()
	assert.Equal(t, "task.unknown", c.Render("task.unknown", nil))

	var nilCatalog *notify.Catalog
	assert.Equal(t, "task.ready", nilCatalog.Render("task.ready", nil))
}

func TestNewRejectsMalformedLocale(t *testing.T) {
	_, err := notify.New("!!")
	require.Error(t, err)
}
