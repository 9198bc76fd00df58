// Package paths validates bundle-relative paths and matches relation names.
package paths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/lherron/graphport/internal/domain"
)

// Validator checks that paths stay inside Root.
type Validator struct {
	Root string

	// FollowSymlinks resolves symlinks on the real filesystem before
	// comparing against Root. Leave false for in-memory filesystems.
	FollowSymlinks bool
}

// NewValidator returns a validator rooted at root.
func NewValidator(root string) *Validator {
	return &Validator{Root: root}
}

// CheckTraversal returns a TraversalError when path, taken relative to the
// root, resolves outside of it.
func (v *Validator) CheckTraversal(path string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) || filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return &domain.TraversalError{Path: path, Root: v.Root}
	}
	// Archive entries always use forward slashes; a backslash is never a
	// separator we produce.
	if strings.Contains(path, `\`) {
		return &domain.TraversalError{Path: path, Root: v.Root}
	}

	root := filepath.Clean(v.Root)
	if root == "" {
		root = "."
	}
	full := filepath.Join(root, filepath.FromSlash(path))
	if !within(root, full) {
		return &domain.TraversalError{Path: path, Root: v.Root}
	}

	if v.FollowSymlinks {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil
		}
		resolved, err := evalExisting(full)
		if err == nil && !within(resolvedRoot, resolved) {
			return &domain.TraversalError{Path: path, Root: v.Root}
		}
	}
	return nil
}

func within(root, full string) bool {
	if full == root {
		return true
	}
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves symlinks on the longest existing prefix of path.
func evalExisting(path string) (string, error) {
	cur := path
	var rest []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
