package bundle

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/schema"
)

// DefaultBatchSize is the number of records handed to a batch callback.
const DefaultBatchSize = 100

// Reader streams relation records out of a bundle.
type Reader struct {
	bundle    *Bundle
	root      *schema.Node
	batchSize int
}

// NewReader returns a reader for the bundle laid out according to root.
func NewReader(b *Bundle, root *schema.Node, batchSize int) *Reader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reader{bundle: b, root: root, batchSize: batchSize}
}

// Exists reports whether the bundle carries a file for the top-level relation.
func (r *Reader) Exists(node *schema.Node) bool {
	_, err := r.bundle.fs.Stat(path.Join(r.bundle.Root, RelationFile(r.root, node.Name)))
	return err == nil
}

// EachBatch calls fn with consecutive batches of the top-level relation's
// records, in file order. A missing relation file yields no batches.
func (r *Reader) EachBatch(ctx context.Context, node *schema.Node, fn func(batch []*RawRecord) error) error {
	p := path.Join(r.bundle.Root, RelationFile(r.root, node.Name))
	batch := make([]*RawRecord, 0, r.batchSize)

	err := r.eachLine(p, func(index int, line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := DecodeRecord(node, line)
		if err != nil {
			return err
		}
		rec.Index = index
		if err := r.attachSplit(node, rec); err != nil {
			return err
		}

		batch = append(batch, rec)
		if len(batch) < r.batchSize {
			return nil
		}
		err = fn(batch)
		batch = make([]*RawRecord, 0, r.batchSize)
		return err
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// ReadAll returns every record of the top-level relation.
func (r *Reader) ReadAll(ctx context.Context, node *schema.Node) ([]*RawRecord, error) {
	var all []*RawRecord
	err := r.EachBatch(ctx, node, func(batch []*RawRecord) error {
		all = append(all, batch...)
		return nil
	})
	return all, err
}

// attachSplit loads split child collections of rec, recursing into nested
// records that themselves own split children.
func (r *Reader) attachSplit(node *schema.Node, rec *RawRecord) error {
	for _, child := range node.Children {
		if child.Split {
			p := path.Join(r.bundle.Root, SplitFile(r.root, child, rec.SourceID()))
			err := r.eachLine(p, func(index int, line []byte) error {
				sub, err := DecodeRecord(child, line)
				if err != nil {
					return err
				}
				sub.Index = index
				rec.Nested[child.Name] = append(rec.Nested[child.Name], sub)
				return nil
			})
			if err != nil {
				return err
			}
		}

		if child.IsObject() {
			if sub, ok := rec.One[child.Name]; ok {
				if err := r.attachSplit(child, sub); err != nil {
					return err
				}
			}
			continue
		}
		for _, sub := range rec.Nested[child.Name] {
			if err := r.attachSplit(child, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) eachLine(p string, fn func(index int, line []byte) error) error {
	f, err := r.bundle.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.AsIOError("open", p, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	index := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if cbErr := fn(index, bytes.TrimSpace(line)); cbErr != nil {
				return cbErr
			}
			index++
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return domain.AsIOError("read", p, err)
		}
	}
}
