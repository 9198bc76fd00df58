package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/schema"
)

func testTree(t *testing.T) *schema.Node {
	t.Helper()
	root, err := schema.Default().RelationTree()
	require.NoError(t, err)
	return root
}

func TestDecodeRecordSplitsRelations(t *testing.T) {
	root := testTree(t)
	issues := root.Child("issues")

	rec, err := DecodeRecord(issues, []byte(`{"id":7,"title":"Crash","milestone":{"id":3,"title":"v1"},"label_links":[{"id":1,"label":{"id":9,"title":"bug"}}],"meta":{"x":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "issues", rec.TypeTag)
	assert.Equal(t, []string{"id", "title", "meta"}, rec.Attributes.Keys())
	assert.Equal(t, int64(7), rec.SourceID())
	assert.Equal(t, "Crash", rec.String("title"))

	require.Contains(t, rec.One, "milestone")
	assert.Equal(t, "v1", rec.One["milestone"].String("title"))

	require.Len(t, rec.Nested["label_links"], 1)
	link := rec.Nested["label_links"][0]
	assert.Equal(t, "bug", link.One["label"].String("title"))
}

func TestDecodeRecordRejectsWrongShapes(t *testing.T) {
	issues := testTree(t).Child("issues")

	for _, line := range []string{
		`[1,2]`,
		`{"milestone":[1]}`,
		`{"label_links":{"id":1}}`,
		`{"label_links":[1]}`,
	} {
		_, err := DecodeRecord(issues, []byte(line))
		var schemaErr *domain.SchemaError
		assert.True(t, errors.As(err, &schemaErr), line)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := testTree(t)
	issues := root.Child("issues")
	ctx := context.Background()

	w := NewWriter(fs, "/out", root)
	require.NoError(t, w.WriteManifest(&Manifest{Version: FormatVersion, Relations: []string{"issues"}}))

	rw, err := w.Relation(issues)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		rec := NewRecord("issues")
		rec.Set("id", int64(i))
		rec.Set("title", strings.Repeat("x", i))
		if i == 2 {
			note := NewRecord("notes")
			note.Set("id", int64(100))
			note.Set("note", "<b>first</b>")
			rec.Nested["notes"] = []*RawRecord{note}
		}
		require.NoError(t, rw.Write(rec))
	}
	require.NoError(t, rw.Close())
	assert.Equal(t, 5, rw.Count())

	exists, err := afero.Exists(fs, "/out/tree/project/issues/2/notes.ndjson")
	require.NoError(t, err)
	assert.True(t, exists, "notes are split into a per-issue file")

	b, err := Open(fs, "/out")
	require.NoError(t, err)
	assert.Contains(t, b.Files, "manifest.json")
	assert.Contains(t, b.Files, "tree/project/issues.ndjson")

	m, err := b.Manifest()
	require.NoError(t, err)
	assert.True(t, m.HasRelation("issues"))

	r := NewReader(b, root, 2)
	var sizes []int
	var all []*RawRecord
	require.NoError(t, r.EachBatch(ctx, issues, func(batch []*RawRecord) error {
		sizes = append(sizes, len(batch))
		all = append(all, batch...)
		return nil
	}))
	assert.Equal(t, []int{2, 2, 1}, sizes)
	require.Len(t, all, 5)
	assert.Equal(t, 3, all[3].Index)

	require.Len(t, all[1].Nested["notes"], 1)
	assert.Equal(t, "<b>first</b>", all[1].Nested["notes"][0].String("note"))
	assert.Empty(t, all[0].Nested["notes"])
}

func TestReaderMissingRelationIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := testTree(t)
	require.NoError(t, fs.MkdirAll("/b", 0755))

	b, err := Open(fs, "/b")
	require.NoError(t, err)

	r := NewReader(b, root, 0)
	assert.False(t, r.Exists(root.Child("labels")))
	recs, err := r.ReadAll(context.Background(), root.Child("labels"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoadManifestErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := LoadManifest(fs, "/none")
	var schemaErr *domain.SchemaError
	assert.True(t, errors.As(err, &schemaErr))

	require.NoError(t, afero.WriteFile(fs, "/b/manifest.json", []byte(`{"exported_at":"x"}`), 0644))
	_, err = LoadManifest(fs, "/b")
	assert.True(t, errors.As(err, &schemaErr))
	assert.Contains(t, err.Error(), "missing version")

	require.NoError(t, afero.WriteFile(fs, "/b/manifest.json", []byte(`{"version":99}`), 0644))
	_, err = LoadManifest(fs, "/b")
	assert.True(t, errors.As(err, &schemaErr))
}

func TestPackUnpack(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/manifest.json", []byte(`{"version":1}`), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/tree/project/labels.ndjson", []byte("{\"id\":1}\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, Pack(fs, "/src", &buf))

	names, err := Entries(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names, "tree/project/labels.ndjson")

	var checked []string
	require.NoError(t, Unpack(fs, bytes.NewReader(buf.Bytes()), "/dst", func(name string) error {
		checked = append(checked, name)
		return nil
	}))
	assert.ElementsMatch(t, names, checked)

	data, err := afero.ReadFile(fs, "/dst/tree/project/labels.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\n", string(data))
}

func TestUnpackRejectsLinksAndCorruption(t *testing.T) {
	fs := afero.NewMemMapFs()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "evil", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err := Unpack(fs, bytes.NewReader(buf.Bytes()), "/dst", func(string) error { return nil })
	var travErr *domain.TraversalError
	assert.True(t, errors.As(err, &travErr))

	err = Unpack(fs, strings.NewReader("not a gzip stream"), "/dst", func(string) error { return nil })
	assert.True(t, domain.IsRetryable(err))
}
