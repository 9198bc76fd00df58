package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migratedDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return database
}

func TestIIDSequences(t *testing.T) {
	database := migratedDB(t)

	_, err := database.Exec(`INSERT INTO namespaces (id, name, path) VALUES (1, 'g', 'g')`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO projects (id, name, path, namespace_id) VALUES (10, 'p', 'p', 1)`)
	require.NoError(t, err)

	scope := DefaultIIDScopes()["milestones"]

	next, err := NextIID(database, scope, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	_, err = database.Exec(`INSERT INTO milestones (id, iid, title, project_id) VALUES (5, 3, 'legacy', 10)`)
	require.NoError(t, err)

	next, err = NextIID(database, scope, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)

	id, taken, err := IIDTaken(database, scope, 10, 3)
	require.NoError(t, err)
	assert.True(t, taken)
	assert.Equal(t, int64(5), id)

	_, taken, err = IIDTaken(database, scope, 10, 4)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestMaxRelativePosition(t *testing.T) {
	database := migratedDB(t)

	_, err := database.Exec(`
		INSERT INTO namespaces (id, name, path) VALUES (1, 'g', 'g');
		INSERT INTO users (id, username, email) VALUES (1, 'u', 'u@example.com');
		INSERT INTO projects (id, name, path, namespace_id) VALUES (10, 'a', 'a', 1), (11, 'b', 'b', 1);
		INSERT INTO issues (project_id, title, author_id, relative_position) VALUES (10, 'x', 1, 1024), (11, 'y', 1, 2048);
	`)
	require.NoError(t, err)

	got, err := MaxRelativePosition(database, []int64{10})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got)

	got, err = MaxRelativePosition(database, []int64{10, 11})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got)

	got, err = MaxRelativePosition(database, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}
