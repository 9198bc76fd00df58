package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/lherron/graphport/internal/domain"
)

// ArchiveExt is the file extension of packed bundles.
const ArchiveExt = ".tar.gz"

// Pack writes the contents of dir as a gzip-compressed tar stream.
func Pack(fs afero.Fs, dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := relPath(dir, p)
		if err != nil || rel == "." {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return domain.AsIOError("pack", dir, err)
	}

	if err := tw.Close(); err != nil {
		return domain.AsIOError("pack", dir, err)
	}
	if err := gz.Close(); err != nil {
		return domain.AsIOError("pack", dir, err)
	}
	return nil
}

// Entries lists the entry names of a packed bundle without extracting it.
func Entries(r io.Reader) ([]string, error) {
	var names []string
	err := eachEntry(r, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	})
	return names, err
}

// Unpack extracts a packed bundle into dest. check is called for every entry
// before anything is written for it; links are always rejected.
func Unpack(fs afero.Fs, r io.Reader, dest string, check func(name string) error) error {
	if err := fs.MkdirAll(dest, 0755); err != nil {
		return domain.AsIOError("mkdir", dest, err)
	}

	return eachEntry(r, func(hdr *tar.Header, body io.Reader) error {
		if err := check(hdr.Name); err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(path.Clean(hdr.Name)))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0755); err != nil {
				return domain.AsIOError("mkdir", target, err)
			}
			return nil
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return domain.AsIOError("mkdir", filepath.Dir(target), err)
			}
			f, err := fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return domain.AsIOError("create", target, err)
			}
			if _, err := io.Copy(f, body); err != nil {
				f.Close()
				return &domain.IOError{Op: "decompress", Path: hdr.Name, Err: err}
			}
			if err := f.Close(); err != nil {
				return domain.AsIOError("close", target, err)
			}
			return nil
		default:
			return &domain.TraversalError{Path: hdr.Name, Root: dest}
		}
	})
}

func eachEntry(r io.Reader, fn func(hdr *tar.Header, body io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return &domain.IOError{Op: "decompress", Err: err}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &domain.IOError{Op: "decompress", Err: err}
		}
		if hdr.Name == "" || hdr.Name == "./" {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// ArchiveName returns the file name used for a packed relation bundle.
func ArchiveName(relation string) string {
	return fmt.Sprintf("%s%s", relation, ArchiveExt)
}
