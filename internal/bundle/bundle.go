// Package bundle implements the on-disk bundle format: a manifest, the root
// object's attributes and one newline-delimited JSON file per relation.
//
//	manifest.json
//	tree/project.json
//	tree/project/<relation>.ndjson
//	tree/project/<relation>/<parent id>/<child>.ndjson   (split collections)
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/iancoleman/orderedmap"
	"github.com/spf13/afero"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/schema"
)

// FormatVersion is the bundle layout version written by this build.
const FormatVersion = 1

const (
	ManifestFile = "manifest.json"
	TreeDir      = "tree"
)

// Manifest describes where a bundle came from and what it holds.
type Manifest struct {
	Version           int      `json:"version"`
	SchemaVersion     int      `json:"schema_version"`
	ExportedAt        string   `json:"exported_at"`
	Exporter          string   `json:"exporter,omitempty"`
	Actor             string   `json:"actor,omitempty"`
	SourceProjectID   int64    `json:"source_project_id"`
	SourceProjectPath string   `json:"source_project_path,omitempty"`
	Relations         []string `json:"relations"`
}

// HasRelation reports whether the manifest lists relation.
func (m *Manifest) HasRelation(relation string) bool {
	for _, r := range m.Relations {
		if r == relation {
			return true
		}
	}
	return false
}

// Bundle is a directory tree holding one project's (or one relation's) data.
type Bundle struct {
	Relation string
	Root     string
	Files    []string

	fs afero.Fs
}

// Open returns the bundle rooted at root and lists its files.
func Open(fs afero.Fs, root string) (*Bundle, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return nil, &domain.SchemaError{Path: root, Reason: "bundle not found", Err: err}
	}
	if !info.IsDir() {
		return nil, &domain.SchemaError{Path: root, Reason: "bundle is not a directory"}
	}

	b := &Bundle{Root: root, fs: fs}
	err = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := relPath(root, p)
		if err != nil {
			return err
		}
		b.Files = append(b.Files, rel)
		return nil
	})
	if err != nil {
		return nil, domain.AsIOError("list bundle", root, err)
	}
	sort.Strings(b.Files)
	return b, nil
}

// FS returns the filesystem the bundle lives on.
func (b *Bundle) FS() afero.Fs {
	return b.fs
}

// Manifest reads and validates manifest.json.
func (b *Bundle) Manifest() (*Manifest, error) {
	return LoadManifest(b.fs, b.Root)
}

// RootAttributes reads tree/<root>.json.
func (b *Bundle) RootAttributes(root *schema.Node) (*orderedmap.OrderedMap, error) {
	p := path.Join(b.Root, RootFile(root))
	data, err := afero.ReadFile(b.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.SchemaError{Path: p, Reason: "root attributes missing"}
		}
		return nil, domain.AsIOError("read", p, err)
	}

	attrs := orderedmap.New()
	if err := json.Unmarshal(data, attrs); err != nil {
		return nil, &domain.SchemaError{Path: p, Reason: "root attributes are not a JSON object", Err: err}
	}
	return attrs, nil
}

// LoadManifest reads and validates the bundle manifest
func LoadManifest(fs afero.Fs, bundleDir string) (*Manifest, error) {
	p := path.Join(bundleDir, ManifestFile)
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.SchemaError{Path: p, Reason: "manifest missing"}
		}
		return nil, domain.AsIOError("read", p, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &domain.SchemaError{Path: p, Reason: "failed to parse manifest", Err: err}
	}

	if m.Version == 0 {
		return nil, &domain.SchemaError{Path: p, Reason: "manifest missing version"}
	}
	if m.Version > FormatVersion {
		return nil, &domain.SchemaError{
			Path:   p,
			Reason: fmt.Sprintf("bundle version %d is newer than supported version %d", m.Version, FormatVersion),
		}
	}

	return &m, nil
}

// WriteManifest writes manifest.json into bundleDir.
func WriteManifest(fs afero.Fs, bundleDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := fs.MkdirAll(bundleDir, 0755); err != nil {
		return domain.AsIOError("mkdir", bundleDir, err)
	}
	p := path.Join(bundleDir, ManifestFile)
	if err := afero.WriteFile(fs, p, append(data, '\n'), 0644); err != nil {
		return domain.AsIOError("write", p, err)
	}
	return nil
}

// RootFile is the bundle-relative path of the root attributes file.
func RootFile(root *schema.Node) string {
	return path.Join(TreeDir, root.Name+".json")
}

// RelationFile is the bundle-relative path of a top-level relation.
func RelationFile(root *schema.Node, relation string) string {
	return path.Join(TreeDir, root.Name, relation+".ndjson")
}

// SplitFile is the bundle-relative path holding the node's records that
// belong to the parent record with the given source id.
func SplitFile(root *schema.Node, node *schema.Node, parentSourceID int64) string {
	return path.Join(TreeDir, root.Name, node.Parent.Path(), strconv.FormatInt(parentSourceID, 10), node.Name+".ndjson")
}

func relPath(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
