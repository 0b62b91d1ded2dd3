package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver maps tool-supplied paths into a workspace root and rejects
// traversal outside it.
type Resolver struct {
	Root string
}

// Resolve returns the absolute path for a workspace-relative or absolute
// path, or an error when the result escapes the root.
func (r Resolver) Resolve(path string) (string, error) {
	if strings.TrimSpace(r.Root) == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}
