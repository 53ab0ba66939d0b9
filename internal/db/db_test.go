package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE projects SET name=?, stage=? WHERE id=? AND version=? AND note <> '?'`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, `UPDATE projects SET name=$1, stage=$2 WHERE id=$3 AND version=$4 AND note <> '?'`, Rebind(Postgres, q))
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Dialect: SQLite, Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.Equal(t, filepath.Join(dir, ".milapp", "milapp.db"), Path(dir))
	assert.FileExists(t, Path(dir))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(Config{Dialect: "oracle"})
	assert.Error(t, err)
	_, err = Open(Config{Dialect: Postgres})
	assert.Error(t, err)
}
