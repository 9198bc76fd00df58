package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/db"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
)

// TempDB creates a migrated SQLite database for testing
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(dbPath)
	require.NoError(t, err, "create test database")
	t.Cleanup(func() {
		database.Close()
	})

	require.NoError(t, database.Migrate(), "run migrations")

	return database, dbPath
}

// TempStore returns a store over a fresh migrated database.
func TempStore(t *testing.T) *store.Store {
	t.Helper()
	database, _ := TempDB(t)
	return store.New(database)
}

// Fixture is a seeded destination: a group, a subgroup, a project inside the
// subgroup and an admin acting user.
type Fixture struct {
	Store    *store.Store
	Group    int64
	Subgroup int64
	Project  int64
	Actor    *domain.User
}

// Seed creates the default fixture graph.
func Seed(t *testing.T, s *store.Store) *Fixture {
	t.Helper()
	ctx := context.Background()
	q := s.DB()

	group := MustNamespace(t, s, "acme", nil)
	subgroup := MustNamespace(t, s, "platform", &group)
	project := MustProject(t, s, "api", subgroup)

	actor := &domain.User{Username: "root", Email: "root@example.com", Name: "Administrator", Admin: true}
	id, err := store.CreateUser(ctx, q, actor)
	require.NoError(t, err)
	actor.ID = id

	require.NoError(t, store.AddMember(ctx, q, &domain.Member{
		SourceType: domain.MemberSourceNamespace, SourceID: group, UserID: actor.ID, AccessLevel: domain.Owner,
	}))

	return &Fixture{Store: s, Group: group, Subgroup: subgroup, Project: project, Actor: actor}
}

// MustNamespace creates a group namespace.
func MustNamespace(t *testing.T, s *store.Store, path string, parent *int64) int64 {
	t.Helper()
	id, err := store.CreateNamespace(context.Background(), s.DB(), &domain.Namespace{
		Name: path, Path: path, Type: domain.NamespaceGroup, ParentID: parent, SharedRunnersEnabled: true,
	})
	require.NoError(t, err)
	return id
}

// MustProject creates a project in namespaceID.
func MustProject(t *testing.T, s *store.Store, path string, namespaceID int64) int64 {
	t.Helper()
	id, err := store.CreateProject(context.Background(), s.DB(), &domain.Project{
		Name: path, Path: path, NamespaceID: namespaceID, SharedRunnersEnabled: true,
	})
	require.NoError(t, err)
	return id
}

// MustUser creates a regular user.
func MustUser(t *testing.T, s *store.Store, username string) *domain.User {
	t.Helper()
	u := &domain.User{Username: username, Email: username + "@example.com", Name: username}
	id, err := store.CreateUser(context.Background(), s.DB(), u)
	require.NoError(t, err)
	u.ID = id
	return u
}

// Count returns the number of rows in table matching where.
func Count(t *testing.T, s *store.Store, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	require.NoError(t, s.DB().QueryRow(query, args...).Scan(&n))
	return n
}

// WriteFile writes content to a file in dir, creating parent directories.
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
