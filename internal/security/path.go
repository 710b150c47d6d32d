// Package security implements the tool-boundary checks the spec calls
// out by name: filesystem path confinement, SSRF-safe URL validation,
// and subprocess environment filtering.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a requested path resolves outside a
// Resolver's confined root.
var ErrOutsideRoot = errors.New("security: path escapes workspace root")

// Resolver confines filesystem tool access to a root directory.
type Resolver struct {
	Root string
}

// Resolve validates p against the resolver's root and returns the
// confined absolute path.
//
// Unlike a bare string-prefix check, this (a) evaluates symlinks on the
// existing portion of the path so a symlink inside the root cannot
// point an otherwise-valid-looking path outside it, and (b) uses
// filepath.Rel rather than strings.HasPrefix, so a sibling directory
// that merely shares the root's name as a prefix (e.g. root
// "/work/app" and a request for "/work/app-backup/secret") is
// correctly rejected instead of being treated as inside the root.
func (r Resolver) Resolve(p string) (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("security: resolve root: %w", err)
	}
	rootReal, err := resolveSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("security: resolve root symlinks: %w", err)
	}

	target := strings.TrimSpace(p)
	if target == "" {
		target = "."
	}
	var targetAbs string
	if filepath.IsAbs(target) {
		targetAbs = filepath.Clean(target)
	} else {
		targetAbs = filepath.Join(rootAbs, target)
	}

	targetReal, err := resolveSymlinks(targetAbs)
	if err != nil {
		return "", fmt.Errorf("security: resolve target symlinks: %w", err)
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return "", fmt.Errorf("security: compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return targetReal, nil
}

// resolveSymlinks resolves symlinks for the longest existing prefix of
// path, then rejoins any trailing components that don't exist yet
// (e.g. a file about to be created). filepath.EvalSymlinks itself
// requires the full path to exist, which is too strict for write
// operations.
func resolveSymlinks(path string) (string, error) {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}

	dir, base := filepath.Split(path)
	dir = filepath.Clean(dir)
	if dir == path {
		// Reached the filesystem root without finding an existing prefix.
		return path, nil
	}
	resolvedDir, err := resolveSymlinks(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(path); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
