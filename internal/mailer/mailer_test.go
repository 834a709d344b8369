package mailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSMTPMailer_ValidatesServer(t *testing.T) {
	_, err := NewSMTPMailer("smtp.example.com", "u", "p")
	assert.Error(t, err)

	m, err := NewSMTPMailer("smtp.example.com:587", "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "u", m.from)
}

func TestLogMailer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewLogMailer(zap.New(core))

	require.NoError(t, m.Send(context.Background(), "a@b.com", "Your code", "123456"))

	entries := logs.FilterField(zap.String("to", "a@b.com")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Your code", entries[0].ContextMap()["subject"])
}
