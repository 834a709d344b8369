package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	assert.True(t, ValidateEmail("a@b.com"))
	assert.True(t, ValidateEmail(NormalizeEmail("  Alice@Example.COM ")))
	assert.False(t, ValidateEmail(""))
	assert.False(t, ValidateEmail("not-an-email"))
	assert.False(t, ValidateEmail("Alice <alice@example.com>"))
}

func TestValidatePhone(t *testing.T) {
	assert.True(t, ValidatePhone("+14155550123"))
	assert.False(t, ValidatePhone("4155550123"))
	assert.False(t, ValidatePhone("+0123456789"))
	assert.False(t, ValidatePhone("+1 415 555 0123"))
}

func TestRandomTokenIsUniqueAndHashStable(t *testing.T) {
	a, err := RandomToken()
	require.NoError(t, err)
	b, err := RandomToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
	assert.Equal(t, HashToken(a), HashToken(a))
	assert.Len(t, HashToken(a), 64)
}

func TestSafeRedirect(t *testing.T) {
	cases := map[string]string{
		"":                     "/app",
		"/app/dashboard":       "/app/dashboard",
		"//evil.example":       "/app",
		"https://evil.example": "/app",
		"/\\evil.example":      "/app",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeRedirect(in, "/app"), "input %q", in)
	}
}
