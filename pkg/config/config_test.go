package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/observability"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAUTH_POSTGRES_URL", "postgres://localhost:5432/openauth?sslmode=disable")
	t.Setenv("OPENAUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadConfig_Defaults(t *testing.T) {
	validEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTTL)
	assert.Equal(t, "openauth-enterprise", cfg.Token.Issuer)
	assert.Equal(t, "openauth-apps", cfg.Token.Audience)
	assert.Equal(t, 10*time.Minute, cfg.SSO.StateTTL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("OPENAUTH_POSTGRES_URL", "postgres://localhost:5432/openauth")
	t.Setenv("OPENAUTH_JWT_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_ShortSecret(t *testing.T) {
	t.Setenv("OPENAUTH_POSTGRES_URL", "postgres://localhost:5432/openauth")
	t.Setenv("OPENAUTH_JWT_SECRET", "too-short")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_Overrides(t *testing.T) {
	validEnv(t)
	t.Setenv("OPENAUTH_ACCESS_TOKEN_TTL", "5m")
	t.Setenv("OPENAUTH_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestValidate_StateTTLCap(t *testing.T) {
	validEnv(t)
	t.Setenv("OPENAUTH_SSO_STATE_TTL", "30m")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate_RefreshMustExceedAccess(t *testing.T) {
	validEnv(t)
	t.Setenv("OPENAUTH_ACCESS_TOKEN_TTL", "24h")
	t.Setenv("OPENAUTH_REFRESH_TOKEN_TTL", "1h")

	_, err := LoadConfig()
	assert.Error(t, err)
}
