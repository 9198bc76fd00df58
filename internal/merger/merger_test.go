package merger_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/blob"
	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/merger"
	"github.com/lherron/graphport/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type env struct {
	fs    afero.Fs
	blobs *blob.LocalStore
}

func newEnv() *env {
	fs := afero.NewMemMapFs()
	return &env{fs: fs, blobs: blob.NewLocal(fs, "/blobs")}
}

// publish packs files into an archive and uploads it under ref.
func (e *env) publish(t *testing.T, ref string, files map[string]string) {
	t.Helper()
	dir := "/build/" + ref
	for name, content := range files {
		require.NoError(t, afero.WriteFile(e.fs, dir+"/"+name, []byte(content), 0644))
	}
	var buf bytes.Buffer
	require.NoError(t, bundle.Pack(e.fs, dir, &buf))
	e.upload(t, ref, buf.Bytes())
}

func (e *env) upload(t *testing.T, ref string, data []byte) {
	t.Helper()
	tmp := "/upload/" + ref
	require.NoError(t, afero.WriteFile(e.fs, tmp, data, 0644))
	require.NoError(t, e.blobs.Upload(context.Background(), tmp, ref))
}

func (e *env) merger(policy string) *merger.Merger {
	return merger.New(e.fs, e.blobs, nil, merger.Options{
		Retry:           fastRetry,
		OutputDir:       "/out",
		CollisionPolicy: policy,
	})
}

func relationBundle(relation, body string) map[string]string {
	return map[string]string{
		"manifest.json": fmt.Sprintf(`{"version":1,"source_project_id":7,"relations":[%q]}`, relation),
		"tree/project/" + relation + ".ndjson": body,
	}
}

func (e *env) read(t *testing.T, name string) string {
	t.Helper()
	data, err := afero.ReadFile(e.fs, "/out/"+name)
	require.NoError(t, err)
	return string(data)
}

func TestCorruptBundleIsSkipped(t *testing.T) {
	e := newEnv()
	e.publish(t, "labels.tar.gz", relationBundle("labels", `{"id":1,"title":"bug"}`+"\n"))
	e.upload(t, "issues.tar.gz", []byte("this is not a gzip stream"))
	e.publish(t, "milestones.tar.gz", relationBundle("milestones", `{"id":1,"title":"v1"}`+"\n"))

	res := e.merger("").MergeBundles(context.Background(), []merger.Source{
		{Relation: "labels", Ref: "labels.tar.gz"},
		{Relation: "issues", Ref: "issues.tar.gz"},
		{Relation: "milestones", Ref: "milestones.tar.gz"},
	})

	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "issues")
	assert.Equal(t, []string{"labels", "milestones"}, res.Merged)

	assert.Contains(t, e.read(t, "tree/project/labels.ndjson"), "bug")
	assert.Contains(t, e.read(t, "tree/project/milestones.ndjson"), "v1")
	exists, err := afero.Exists(e.fs, "/out/tree/project/issues.ndjson")
	require.NoError(t, err)
	assert.False(t, exists)

	m, err := bundle.LoadManifest(e.fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, []string{"labels", "milestones"}, m.Relations)
	assert.Equal(t, int64(7), m.SourceProjectID)

	exists, err = afero.DirExists(e.fs, "/out/.scratch")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTraversalEntryRejectedBeforeWrite(t *testing.T) {
	e := newEnv()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range []string{"tree/project/labels.ndjson", "../../etc/passwd"} {
		body := []byte("{}\n")
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	e.upload(t, "labels.tar.gz", buf.Bytes())

	res := e.merger("").MergeBundles(context.Background(), []merger.Source{{Relation: "labels", Ref: "labels.tar.gz"}})

	require.Len(t, res.Errors, 1)
	var travErr *domain.TraversalError
	assert.True(t, errors.As(res.Errors[0], &travErr))
	assert.Equal(t, "../../etc/passwd", travErr.Path)

	exists, err := afero.Exists(e.fs, "/out/tree/project/labels.ndjson")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(e.fs, "/etc/passwd")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTraversalRelationRejected(t *testing.T) {
	e := newEnv()
	res := e.merger("").MergeBundles(context.Background(), []merger.Source{{Relation: "../labels", Ref: "labels.tar.gz"}})

	require.Len(t, res.Errors, 1)
	var travErr *domain.TraversalError
	assert.True(t, errors.As(res.Errors[0], &travErr))
}

func TestCollisionPolicies(t *testing.T) {
	shared := "tree/project/labels.ndjson"
	first := map[string]string{
		"manifest.json": `{"version":1,"source_project_id":7,"relations":["labels"]}`,
		shared:          `{"id":1,"title":"bug"}` + "\n",
	}
	second := map[string]string{
		"manifest.json": `{"version":1,"source_project_id":7,"relations":["issues"]}`,
		shared:          `{"id":1,"title":"defect"}` + "\n",
		"tree/project/issues.ndjson": `{"id":1,"title":"crash"}` + "\n",
	}

	tests := []struct {
		policy   string
		ok       bool
		warnings int
		want     string
		issues   bool
	}{
		{merger.Overwrite, true, 1, "defect", true},
		{merger.KeepFirst, true, 1, "bug", true},
		{merger.Fail, false, 0, "bug", false},
	}
	for _, tc := range tests {
		t.Run(tc.policy, func(t *testing.T) {
			e := newEnv()
			e.publish(t, "a.tar.gz", first)
			e.publish(t, "b.tar.gz", second)

			res := e.merger(tc.policy).MergeBundles(context.Background(), []merger.Source{
				{Relation: "labels", Ref: "a.tar.gz"},
				{Relation: "issues", Ref: "b.tar.gz"},
			})

			assert.Equal(t, tc.ok, res.OK)
			assert.Len(t, res.Warnings, tc.warnings)
			assert.Contains(t, e.read(t, shared), tc.want)

			exists, err := afero.Exists(e.fs, "/out/tree/project/issues.ndjson")
			require.NoError(t, err)
			assert.Equal(t, tc.issues, exists)

			m, err := bundle.LoadManifest(e.fs, "/out")
			require.NoError(t, err)
			assert.Equal(t, tc.issues, m.HasRelation("issues"))
		})
	}
}

func TestOverwriteWarningCarriesDiff(t *testing.T) {
	e := newEnv()
	e.publish(t, "a.tar.gz", relationBundle("labels", `{"id":1,"title":"bug"}`+"\n"))
	e.publish(t, "b.tar.gz", relationBundle("labels", `{"id":1,"title":"defect"}`+"\n"))

	res := e.merger(merger.Overwrite).MergeBundles(context.Background(), []merger.Source{
		{Relation: "labels", Ref: "a.tar.gz"},
		{Relation: "labels", Ref: "b.tar.gz"},
	})

	require.True(t, res.OK, res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `-{"id":1,"title":"bug"}`)
	assert.Contains(t, res.Warnings[0], `+{"id":1,"title":"defect"}`)
}

func TestIdenticalFilesDoNotWarn(t *testing.T) {
	e := newEnv()
	files := relationBundle("labels", `{"id":1,"title":"bug"}`+"\n")
	e.publish(t, "a.tar.gz", files)
	e.publish(t, "b.tar.gz", files)

	res := e.merger("").MergeBundles(context.Background(), []merger.Source{
		{Relation: "labels", Ref: "a.tar.gz"},
		{Relation: "labels", Ref: "b.tar.gz"},
	})

	assert.True(t, res.OK)
	assert.Empty(t, res.Warnings)
}

func TestForeignProjectBundleRejected(t *testing.T) {
	e := newEnv()
	e.publish(t, "a.tar.gz", relationBundle("labels", `{"id":1}`+"\n"))
	other := relationBundle("issues", `{"id":1}`+"\n")
	other["manifest.json"] = `{"version":1,"source_project_id":8,"relations":["issues"]}`
	e.publish(t, "b.tar.gz", other)

	res := e.merger("").MergeBundles(context.Background(), []merger.Source{
		{Relation: "labels", Ref: "a.tar.gz"},
		{Relation: "issues", Ref: "b.tar.gz"},
	})

	require.Len(t, res.Errors, 1)
	var schemaErr *domain.SchemaError
	assert.True(t, errors.As(res.Errors[0], &schemaErr))
	assert.Equal(t, []string{"labels"}, res.Merged)
}

// blockingStore holds Download until released.
type blockingStore struct {
	blob.Store
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Download(ctx context.Context, ref, dest string) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.Store.Download(ctx, ref, dest)
}

func TestConcurrentMergeIsBusy(t *testing.T) {
	e := newEnv()
	e.publish(t, "a.tar.gz", relationBundle("labels", `{"id":1}`+"\n"))

	store := &blockingStore{Store: e.blobs, started: make(chan struct{}), release: make(chan struct{})}
	m := merger.New(e.fs, store, nil, merger.Options{Retry: fastRetry, OutputDir: "/out"})

	done := make(chan *merger.Result)
	go func() {
		done <- m.MergeBundles(context.Background(), []merger.Source{{Relation: "labels", Ref: "a.tar.gz"}})
	}()
	<-store.started

	busy := m.MergeBundles(context.Background(), []merger.Source{{Relation: "labels", Ref: "a.tar.gz"}})
	require.Len(t, busy.Errors, 1)
	assert.ErrorIs(t, busy.Errors[0], merger.ErrBusy)

	close(store.release)
	assert.True(t, (<-done).OK)
}
