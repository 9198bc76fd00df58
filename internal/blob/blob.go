// Package blob moves bundle archives in and out of artifact storage.
// The local store keeps objects under a base directory with a sha256
// sidecar next to each object.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/paths"
)

// ChecksumExt is appended to an object's name to form its sidecar.
const ChecksumExt = ".sha256"

// Store transfers artifacts by reference.
type Store interface {
	Download(ctx context.Context, ref, destPath string) error
	Upload(ctx context.Context, path, ref string) error
}

// LocalStore is a Store backed by a directory on an afero filesystem.
type LocalStore struct {
	fs  afero.Fs
	dir string

	// MaxBytes rejects uploads larger than this (0 = unlimited).
	MaxBytes int64
}

// NewLocal returns a store rooted at dir.
func NewLocal(fs afero.Fs, dir string) *LocalStore {
	return &LocalStore{fs: fs, dir: dir}
}

// Path returns the storage location of ref.
func (s *LocalStore) Path(ref string) (string, error) {
	if err := paths.NewValidator(s.dir).CheckTraversal(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(ref)), nil
}

// Download copies ref to destPath, verifying the sidecar checksum when one exists.
func (s *LocalStore) Download(ctx context.Context, ref, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.Path(ref)
	if err != nil {
		return err
	}

	_, checksum, err := copyFile(s.fs, src, destPath)
	if err != nil {
		return domain.AsIOError("download", ref, err)
	}

	want, err := afero.ReadFile(s.fs, src+ChecksumExt)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return domain.AsIOError("download", ref+ChecksumExt, err)
	}
	if strings.TrimSpace(string(want)) != checksum {
		return &domain.IOError{Op: "download", Path: ref, Err: fmt.Errorf("checksum mismatch: got %s", checksum)}
	}
	return nil
}

// Upload stores the file at path under ref and writes its sidecar.
func (s *LocalStore) Upload(ctx context.Context, path, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.Path(ref)
	if err != nil {
		return err
	}

	if s.MaxBytes > 0 {
		info, err := s.fs.Stat(path)
		if err != nil {
			return domain.AsIOError("upload", path, err)
		}
		if info.Size() > s.MaxBytes {
			return fmt.Errorf("artifact %s is %d bytes, limit is %d", path, info.Size(), s.MaxBytes)
		}
	}

	_, checksum, err := copyFile(s.fs, path, dst)
	if err != nil {
		return domain.AsIOError("upload", ref, err)
	}
	if err := afero.WriteFile(s.fs, dst+ChecksumExt, []byte(checksum+"\n"), 0644); err != nil {
		return domain.AsIOError("upload", ref+ChecksumExt, err)
	}
	return nil
}

// copyFile copies src to dst on fs, returning size and sha256 checksum.
func copyFile(fs afero.Fs, src, dst string) (size int64, checksum string, err error) {
	srcFile, err := fs.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open source: %w", err)
	}
	defer srcFile.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	dstFile, err := fs.Create(dst)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create destination: %w", err)
	}
	defer dstFile.Close()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(dstFile, hasher), srcFile)
	if err != nil {
		return 0, "", fmt.Errorf("failed to copy file: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}
