package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/store"
	"github.com/lherron/graphport/internal/testutil"
)

type testEnv struct {
	store  *store.Store
	fx     *testutil.Fixture
	dbPath string
	dir    string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, dbPath := testutil.TempDB(t)
	s := store.New(database)
	fx := testutil.Seed(t, s)

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("GRAPHPORT_ACTOR", "")
	t.Setenv("GRAPHPORT_SCRATCH_DIR", filepath.Join(dir, "scratch"))
	t.Setenv("GRAPHPORT_BLOB_DIR", filepath.Join(dir, "blobs"))
	t.Setenv("GRAPHPORT_RETRY_INITIAL_INTERVAL", "1ms")

	return &testEnv{store: s, fx: fx, dbPath: dbPath, dir: dir}
}

// run executes the root command with args and returns its output.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	exportRelations, exportArchive, exportRef = nil, false, ""
	versionJSON = false
	mergeOut, mergePolicy = "", ""
	migrateDryRun, migrateStatus = false, false
	require.NoError(t, importCmd.Flags().Set("batch-size", "0"))
	require.NoError(t, importCmd.Flags().Set("output", "table"))
	require.NoError(t, exportCmd.Flags().Set("output", "table"))

	var out bytes.Buffer
	rootCmd.SetArgs(append(args, "--db", e.dbPath, "--as", "root", "--log-level", "error"))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return 1
	}
	return 0
}

func (e *testEnv) seedIssues(t *testing.T, project int64, titles ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.WithTx(ctx, func(tx *store.Tx) error {
		for i, title := range titles {
			_, err := tx.Insert(ctx, "issues", map[string]any{
				"iid": i + 1, "project_id": project, "title": title, "author_id": e.fx.Actor.ID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestExportThenImport(t *testing.T) {
	e := setupTestEnv(t)
	source := testutil.MustProject(t, e.store, "web", e.fx.Group)
	e.seedIssues(t, source, "first", "second")

	dest := filepath.Join(e.dir, "bundle")
	out, err := e.run(t, "export", strconv.FormatInt(source, 10), dest)
	require.NoError(t, err, out)
	assert.Contains(t, out, "issues")

	out, err = e.run(t, "import", dest, strconv.FormatInt(e.fx.Project, 10))
	require.NoError(t, err, out)
	assert.Contains(t, out, "correlation id:")
	assert.Contains(t, out, "succeeded")

	assert.Equal(t, 2, testutil.Count(t, e.store, "issues", "project_id = ?", e.fx.Project))
}

func TestImportPackedBundle(t *testing.T) {
	e := setupTestEnv(t)
	source := testutil.MustProject(t, e.store, "web", e.fx.Group)
	e.seedIssues(t, source, "only")

	dest := filepath.Join(e.dir, "bundle")
	out, err := e.run(t, "export", strconv.FormatInt(source, 10), dest, "--archive", "--ref", "web.tar.gz")
	require.NoError(t, err, out)
	assert.FileExists(t, filepath.Join(e.dir, "blobs", "web.tar.gz"))

	out, err = e.run(t, "import", dest+bundle.ArchiveExt, strconv.FormatInt(e.fx.Project, 10))
	require.NoError(t, err, out)
	assert.Equal(t, 1, testutil.Count(t, e.store, "issues", "project_id = ?", e.fx.Project))

	entries, err := os.ReadDir(filepath.Join(e.dir, "scratch"))
	if err == nil {
		assert.Empty(t, entries, "unpacked bundle is removed")
	}
}

func TestBundleDirCleansUpThroughFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, bundle.WriteManifest(fs, "/build", &bundle.Manifest{Version: 1, SchemaVersion: 1, SourceProjectID: 900}))
	require.NoError(t, afero.WriteFile(fs, "/build/tree/project.json", []byte("{}\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, bundle.Pack(fs, "/build", &buf))
	require.NoError(t, afero.WriteFile(fs, "/in/web"+bundle.ArchiveExt, buf.Bytes(), 0644))

	dir, cleanup, err := bundleDir(fs, "/in/web"+bundle.ArchiveExt, "/scratch")
	require.NoError(t, err)
	exists, err := afero.Exists(fs, filepath.Join(dir, bundle.ManifestFile))
	require.NoError(t, err)
	assert.True(t, exists)

	cleanup()
	exists, err = afero.DirExists(fs, dir)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestImportPartialSuccessExitCode(t *testing.T) {
	e := setupTestEnv(t)
	fs := afero.NewOsFs()
	dir := filepath.Join(e.dir, "bundle")
	require.NoError(t, bundle.WriteManifest(fs, dir, &bundle.Manifest{Version: 1, SchemaVersion: 1, SourceProjectID: 900}))
	testutil.WriteFile(t, dir, "tree/project.json", `{}`)
	testutil.WriteFile(t, dir, "tree/project/issues.ndjson",
		`{"id":1,"title":"ok","author_id":1}`+"\n"+`{"id":2,"author_id":1}`+"\n")

	out, err := e.run(t, "import", dir, strconv.FormatInt(e.fx.Project, 10))
	assert.Equal(t, 5, exitCode(err), out)
	assert.Contains(t, out, "Partial success")
}

func TestImportMissingBundleFails(t *testing.T) {
	e := setupTestEnv(t)

	out, err := e.run(t, "import", filepath.Join(e.dir, "missing"), strconv.FormatInt(e.fx.Project, 10), "-o", "json")
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, `"state": "error"`)
}

func TestInvalidProjectID(t *testing.T) {
	e := setupTestEnv(t)

	_, err := e.run(t, "export", "abc", filepath.Join(e.dir, "bundle"))
	assert.Equal(t, 2, exitCode(err))
}

func TestMergeRejectsBadSource(t *testing.T) {
	e := setupTestEnv(t)

	_, err := e.run(t, "merge", "--out", filepath.Join(e.dir, "out"), "labels")
	assert.Equal(t, 2, exitCode(err))
}

func TestMergeCommand(t *testing.T) {
	e := setupTestEnv(t)
	source := testutil.MustProject(t, e.store, "web", e.fx.Group)
	e.seedIssues(t, source, "first")

	for _, relation := range []string{"labels", "issues"} {
		out, err := e.run(t, "export", strconv.FormatInt(source, 10), filepath.Join(e.dir, relation),
			"--relations", relation, "--archive", "--ref", relation+bundle.ArchiveExt)
		require.NoError(t, err, out)
	}

	merged := filepath.Join(e.dir, "merged")
	out, err := e.run(t, "merge", "--out", merged, "labels=labels.tar.gz", "issues=issues.tar.gz")
	require.NoError(t, err, out)

	m, err := bundle.LoadManifest(afero.NewOsFs(), merged)
	require.NoError(t, err)
	assert.Equal(t, []string{"labels", "issues"}, m.Relations)
	assert.FileExists(t, filepath.Join(merged, "tree", "project", "issues.ndjson"))
}

func TestMigrateStatus(t *testing.T) {
	e := setupTestEnv(t)

	out, err := e.run(t, "migrate", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "000001_baseline.sql")
	assert.NotContains(t, out, "Pending")
}

func TestVersionJSON(t *testing.T) {
	e := setupTestEnv(t)

	out, err := e.run(t, "version", "--json")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"binary": "graphport"`), out)
	assert.Contains(t, out, `"bundle_format_version": 1`)
}
