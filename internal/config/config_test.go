package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_CONNECTION_STRING", "postgres://localhost/controlplane")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("IDENTITY_API_URL", "https://identity.example.com")
	t.Setenv("IDENTITY_SECRET_KEY", "sk_identity")
	t.Setenv("IDENTITY_JWT_KEY", "jwt-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_EMAILS", " Root@Corp.com ,ops@corp.com,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ConfirmationModePresence, cfg.ConfirmationMode)
	assert.Equal(t, 300, cfg.ConfirmationTTLSec)
	assert.Equal(t, 100, cfg.UnlinkedEventsLimit)
	assert.False(t, cfg.StrictConfirmation())
	assert.Equal(t, map[string]struct{}{"root@corp.com": {}, "ops@corp.com": {}}, cfg.AdminAllowlist())
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	require.NoError(t, os.Unsetenv("STRIPE_WEBHOOK_SECRET"))

	_, err := Load()
	assert.Error(t, err)
}

func TestStrictConfirmation(t *testing.T) {
	assert.True(t, (&Config{ConfirmationMode: " STRICT "}).StrictConfirmation())
	assert.False(t, (&Config{ConfirmationMode: "presence"}).StrictConfirmation())
}

func TestParseAllowlist(t *testing.T) {
	assert.Empty(t, ParseAllowlist(nil))
	assert.Empty(t, ParseAllowlist([]string{"", "  "}))
	assert.Len(t, ParseAllowlist([]string{"a@x.com", "A@X.COM"}), 1)
}
