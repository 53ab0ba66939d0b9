package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/config"
	"milapp/internal/engine"
	"milapp/internal/notify"
	"milapp/internal/repo"
	"milapp/internal/repo/memory"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, dir, cfg.Storage.Workspace)
	assert.Len(t, cfg.Gates, 4)
}

func TestLoadConfigFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644))
	cfg, err := LoadConfig(dir, path)
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.Storage.Driver)
}

func TestOpenStoreDrivers(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	st, closeFn, err := OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	require.NoError(t, closeFn())

	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Workspace = t.TempDir()
	st, closeFn, err = OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, repo.Repo{}, st)
	require.NoError(t, closeFn())

	cfg.Storage.Driver = "oracle"
	_, _, err = OpenStore(cfg)
	assert.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default()
	n, closeFn, err := BuildNotifier(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, notify.Nop{}, n)
	require.NoError(t, closeFn())

	cfg.Notify.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}
	n, _, err = BuildNotifier(context.Background(), cfg)
	require.NoError(t, err)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)
}

func TestOpenRuntime(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	rt, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	p, err := rt.Engine.CreateProject(context.Background(), engine.ProjectCreateOptions{Name: "Demo", ActorID: "ana", ActorRole: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "ideacao", string(p.Stage))
	assert.NoError(t, rt.Close())
}
