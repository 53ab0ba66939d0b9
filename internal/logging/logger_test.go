package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsCredentials(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := FromZap(zap.New(core))

	log.With("component", "server").Warn("auth failed", "bearer_token", "abc.def.ghi", "actor_id", "ana")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["bearer_token"])
	assert.Equal(t, "ana", fields["actor_id"])
	assert.Equal(t, "server", fields["component"])
}

func TestNew(t *testing.T) {
	for _, mode := range []string{"development", "production", ""} {
		l, err := New(mode)
		require.NoError(t, err)
		l.Info("hello")
	}
	Nop().Error("ignored", "k", "v")
}
