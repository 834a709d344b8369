package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("TURNSTILE_SECRET_KEY", "turnstile-secret")
	t.Setenv("AUTH_SECRET", "auth-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("MONGODB_DB", "")
	t.Setenv("PORT", "")
	t.Setenv("PUBLIC_URL", "")
	t.Setenv("RATE_LIMIT_STORE", "")
	t.Setenv("LOGIN_TOKEN_NO_RESPONSE_POLICY", "")
	t.Setenv("TRUST_PROXY_HEADERS", "")
	t.Setenv("INTERNAL_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "cloudbudgetguard", cfg.Mongo.Database)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL)
	assert.Equal(t, StoreMongo, cfg.RateLimitStore)
	assert.Equal(t, 10*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, "redirect", cfg.Auth.NoResponsePolicy)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.InternalURL)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingRequiredListsEveryKey(t *testing.T) {
	t.Setenv("MONGODB_URI", "")
	t.Setenv("TURNSTILE_SECRET_KEY", "")
	t.Setenv("AUTH_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigMissing))
	assert.Contains(t, err.Error(), "MONGODB_URI")
	assert.Contains(t, err.Error(), "TURNSTILE_SECRET_KEY")
	assert.Contains(t, err.Error(), "AUTH_SECRET")
}

func TestLoad_RedisStoreRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrConfigMissing)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_RejectsUnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_STORE", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfigMissing))
}

func TestLoad_DurationOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("OTP_TTL", "5m")
	t.Setenv("LOGIN_TOKEN_TTL", "120")
	t.Setenv("SESSION_TTL", "garbage")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, 2*time.Minute, cfg.Auth.LoginTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
}

func TestLoad_TrustProxyHeaders(t *testing.T) {
	setRequired(t)

	t.Setenv("TRUST_PROXY_HEADERS", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxyHeaders)

	t.Setenv("TRUST_PROXY_HEADERS", "nope")
	cfg, err = Load()
	require.NoError(t, err)
	assert.False(t, cfg.TrustProxyHeaders)
}
