package bundle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path"

	"github.com/iancoleman/orderedmap"
	"github.com/spf13/afero"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/schema"
)

// Writer lays out a bundle directory.
type Writer struct {
	fs   afero.Fs
	dir  string
	root *schema.Node
}

// NewWriter returns a writer producing a bundle in dir.
func NewWriter(fs afero.Fs, dir string, root *schema.Node) *Writer {
	return &Writer{fs: fs, dir: dir, root: root}
}

// Dir returns the bundle directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteManifest writes manifest.json.
func (w *Writer) WriteManifest(m *Manifest) error {
	return WriteManifest(w.fs, w.dir, m)
}

// WriteRoot writes the root object's own attributes.
func (w *Writer) WriteRoot(attrs *orderedmap.OrderedMap) error {
	attrs.SetEscapeHTML(false)
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode root attributes: %w", err)
	}
	return w.writeFile(RootFile(w.root), append(data, '\n'))
}

// Relation opens the ndjson stream for a top-level relation, truncating any
// previous content.
func (w *Writer) Relation(node *schema.Node) (*RelationWriter, error) {
	rw := &RelationWriter{w: w, node: node}
	f, err := w.create(RelationFile(w.root, node.Name))
	if err != nil {
		return nil, err
	}
	rw.file = f
	rw.buf = bufio.NewWriter(f)
	return rw, nil
}

func (w *Writer) create(rel string) (afero.File, error) {
	p := path.Join(w.dir, rel)
	if err := w.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return nil, domain.AsIOError("mkdir", path.Dir(p), err)
	}
	f, err := w.fs.Create(p)
	if err != nil {
		return nil, domain.AsIOError("create", p, err)
	}
	return f, nil
}

func (w *Writer) writeFile(rel string, data []byte) error {
	f, err := w.create(rel)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return domain.AsIOError("write", rel, err)
	}
	if err := f.Close(); err != nil {
		return domain.AsIOError("close", rel, err)
	}
	return nil
}

// RelationWriter streams records of one top-level relation.
type RelationWriter struct {
	w     *Writer
	node  *schema.Node
	file  afero.File
	buf   *bufio.Writer
	count int
}

// Write appends one record. Split children are written to their per-parent files.
func (rw *RelationWriter) Write(rec *RawRecord) error {
	if err := rw.w.writeSplit(rw.node, rec); err != nil {
		return err
	}
	line, err := EncodeRecord(rw.node, rec)
	if err != nil {
		return err
	}
	if _, err := rw.buf.Write(append(line, '\n')); err != nil {
		return domain.AsIOError("write", rw.node.Name, err)
	}
	rw.count++
	return nil
}

// Count returns the number of records written so far.
func (rw *RelationWriter) Count() int {
	return rw.count
}

// Close flushes and closes the relation file.
func (rw *RelationWriter) Close() error {
	if rw.file == nil {
		return nil
	}
	flushErr := rw.buf.Flush()
	closeErr := rw.file.Close()
	rw.file = nil
	if flushErr != nil {
		return domain.AsIOError("flush", rw.node.Name, flushErr)
	}
	if closeErr != nil {
		return domain.AsIOError("close", rw.node.Name, closeErr)
	}
	return nil
}

func (w *Writer) writeSplit(node *schema.Node, rec *RawRecord) error {
	for _, child := range node.Children {
		if child.Split {
			subs := rec.Nested[child.Name]
			if len(subs) > 0 {
				var data []byte
				for _, sub := range subs {
					if err := w.writeSplit(child, sub); err != nil {
						return err
					}
					line, err := EncodeRecord(child, sub)
					if err != nil {
						return err
					}
					data = append(data, line...)
					data = append(data, '\n')
				}
				if err := w.writeFile(SplitFile(w.root, child, rec.SourceID()), data); err != nil {
					return err
				}
			}
			continue
		}

		if child.IsObject() {
			if sub, ok := rec.One[child.Name]; ok {
				if err := w.writeSplit(child, sub); err != nil {
					return err
				}
			}
			continue
		}
		for _, sub := range rec.Nested[child.Name] {
			if err := w.writeSplit(child, sub); err != nil {
				return err
			}
		}
	}
	return nil
}
