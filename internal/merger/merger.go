// Package merger combines relation bundles produced by separate export jobs
// into one bundle tree.
package merger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/blob"
	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/failures"
	"github.com/lherron/graphport/internal/paths"
	"github.com/lherron/graphport/internal/retry"
)

// Collision policies for files present in more than one bundle.
const (
	Overwrite = "overwrite"
	KeepFirst = "keep_first"
	Fail      = "fail"
)

// ErrBusy is returned when MergeBundles is called while another merge on the
// same Merger is running.
var ErrBusy = errors.New("merge already in progress")

// PathValidator rejects entry names that escape their root.
type PathValidator interface {
	CheckTraversal(path string) error
}

// Source is one bundle to merge: the relation it holds and its blob reference.
type Source struct {
	Relation string
	Ref      string
}

// Options configure a Merger.
type Options struct {
	Logger *zap.Logger
	Retry  retry.Policy
	// OutputDir receives the merged tree.
	OutputDir string
	// ScratchDir holds downloads while they are unpacked.
	ScratchDir      string
	CollisionPolicy string
}

// Result of one merge.
type Result struct {
	OK       bool
	Errors   []error
	Warnings []string
	// Merged lists the relations copied into the output, in order.
	Merged []string
}

// Merger merges bundles. It is not re-entrant.
type Merger struct {
	fs        afero.Fs
	blobs     blob.Store
	validator PathValidator
	opts      Options
	logger    *zap.Logger

	mu sync.Mutex
}

// New creates a merger. A nil validator checks entries against the output
// directory.
func New(fs afero.Fs, blobs blob.Store, validator PathValidator, opts Options) *Merger {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.CollisionPolicy == "" {
		opts.CollisionPolicy = Overwrite
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = path.Join(opts.OutputDir, ".scratch")
	}
	if validator == nil {
		validator = paths.NewValidator(opts.OutputDir)
	}
	return &Merger{fs: fs, blobs: blobs, validator: validator, opts: opts, logger: opts.Logger}
}

// run is the state of one MergeBundles call.
type run struct {
	manifest *bundle.Manifest
	// origin records which relation first wrote each output file.
	origin   map[string]string
	warnings []string
}

// MergeBundles merges every source into the output directory. A failing
// bundle is recorded and the next one is processed; the result is OK only
// when no bundle failed.
func (m *Merger) MergeBundles(ctx context.Context, sources []Source) *Result {
	if !m.mu.TryLock() {
		return &Result{Errors: []error{ErrBusy}}
	}
	defer m.mu.Unlock()

	collector := failures.NewCollector()
	st := &run{origin: make(map[string]string)}
	res := &Result{}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			collector.Add(err)
			break
		}

		logger := m.logger.With(zap.String("relation", src.Relation), zap.String("ref", src.Ref))
		if err := m.mergeOne(ctx, logger, st, src); err != nil {
			logger.Warn("bundle not merged", zap.Int("index", i), zap.Error(err))
			collector.Add(fmt.Errorf("bundle %s (%s): %w", src.Relation, src.Ref, err))
			continue
		}
		res.Merged = append(res.Merged, src.Relation)
		logger.Info("bundle merged")
	}

	if st.manifest != nil {
		if err := bundle.WriteManifest(m.fs, m.opts.OutputDir, st.manifest); err != nil {
			collector.Add(err)
		}
	}
	if err := m.fs.RemoveAll(m.opts.ScratchDir); err != nil {
		m.logger.Warn("failed to remove scratch directory", zap.Error(err))
	}

	res.OK = collector.OK()
	res.Errors = collector.Errors()
	res.Warnings = st.warnings
	return res
}

func (m *Merger) mergeOne(ctx context.Context, logger *zap.Logger, st *run, src Source) error {
	if err := m.validator.CheckTraversal(src.Relation); err != nil {
		return err
	}

	scratch := path.Join(m.opts.ScratchDir, uuid.NewString())
	defer func() {
		if err := m.fs.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch copy", zap.Error(err))
		}
	}()

	archive := path.Join(scratch, bundle.ArchiveName(src.Relation))
	err := retry.Do(ctx, m.opts.Retry, logger, "download "+src.Ref, func() error {
		return m.blobs.Download(ctx, src.Ref, archive)
	})
	if err != nil {
		return err
	}

	if err := m.checkEntries(archive); err != nil {
		return err
	}

	unpacked := path.Join(scratch, src.Relation)
	if err := m.unpack(archive, unpacked); err != nil {
		return err
	}
	return m.copyTree(logger, st, src.Relation, unpacked)
}

// checkEntries validates every entry name before anything is extracted.
func (m *Merger) checkEntries(archive string) error {
	f, err := m.fs.Open(archive)
	if err != nil {
		return domain.AsIOError("open", archive, err)
	}
	defer f.Close()

	names, err := bundle.Entries(f)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.validator.CheckTraversal(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) unpack(archive, dest string) error {
	f, err := m.fs.Open(archive)
	if err != nil {
		return domain.AsIOError("open", archive, err)
	}
	defer f.Close()
	return bundle.Unpack(m.fs, f, dest, m.validator.CheckTraversal)
}

type pending struct {
	rel  string
	data []byte
}

// copyTree copies an unpacked bundle into the output. Collisions are
// resolved per the configured policy; with Fail nothing of the bundle is
// copied.
func (m *Merger) copyTree(logger *zap.Logger, st *run, relation, dir string) error {
	var files []pending
	err := afero.Walk(m.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(m.fs, p)
		if err != nil {
			return err
		}
		files = append(files, pending{rel: filepath.ToSlash(rel), data: data})
		return nil
	})
	if err != nil {
		return domain.AsIOError("walk", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	var (
		writes   []pending
		manifest *bundle.Manifest
	)
	for _, f := range files {
		if f.rel == bundle.ManifestFile {
			if manifest, err = st.checkManifest(f.data); err != nil {
				return err
			}
			continue
		}

		target := path.Join(m.opts.OutputDir, f.rel)
		existing, err := afero.ReadFile(m.fs, target)
		switch {
		case os.IsNotExist(err):
			writes = append(writes, f)
			continue
		case err != nil:
			return domain.AsIOError("read", target, err)
		case bytes.Equal(existing, f.data):
			continue
		}

		first := st.origin[f.rel]
		switch m.opts.CollisionPolicy {
		case Fail:
			return fmt.Errorf("%s collides with the copy merged from %s", f.rel, first)
		case KeepFirst:
			st.warn(logger, fmt.Sprintf("%s: kept copy from %s, ignored copy from %s", f.rel, first, relation))
		default:
			st.warn(logger, fmt.Sprintf("%s: copy from %s replaced copy from %s\n%s",
				f.rel, relation, first, diffExcerpt(existing, f.data)))
			writes = append(writes, f)
		}
	}

	for _, f := range writes {
		target := path.Join(m.opts.OutputDir, f.rel)
		if err := m.fs.MkdirAll(path.Dir(target), 0755); err != nil {
			return domain.AsIOError("mkdir", path.Dir(target), err)
		}
		if err := afero.WriteFile(m.fs, target, f.data, 0644); err != nil {
			return domain.AsIOError("write", target, err)
		}
		st.origin[f.rel] = relation
	}
	st.addManifest(manifest)
	return nil
}

func (st *run) warn(logger *zap.Logger, msg string) {
	logger.Warn("merge collision", zap.String("detail", msg))
	st.warnings = append(st.warnings, msg)
}

// checkManifest parses a bundle's manifest and checks that it comes from the
// same project as the bundles merged so far.
func (st *run) checkManifest(data []byte) (*bundle.Manifest, error) {
	var m bundle.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &domain.SchemaError{Path: bundle.ManifestFile, Reason: "failed to parse manifest", Err: err}
	}
	if st.manifest != nil && m.SourceProjectID != st.manifest.SourceProjectID {
		return nil, &domain.SchemaError{
			Path:   bundle.ManifestFile,
			Reason: fmt.Sprintf("bundle exported from project %d, others from %d", m.SourceProjectID, st.manifest.SourceProjectID),
		}
	}
	return &m, nil
}

// addManifest unions the relations of m into the merged manifest, in merge
// order.
func (st *run) addManifest(m *bundle.Manifest) {
	if m == nil {
		return
	}
	if st.manifest == nil {
		st.manifest = m
		return
	}
	for _, r := range m.Relations {
		if !st.manifest.HasRelation(r) {
			st.manifest.Relations = append(st.manifest.Relations, r)
		}
	}
}

const maxDiffLines = 20

// diffExcerpt renders the first lines of a unified diff between two copies.
func diffExcerpt(a, b []byte) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "merged",
		ToFile:   "incoming",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxDiffLines {
		lines = append(lines[:maxDiffLines], "...")
	}
	return strings.Join(lines, "\n")
}
