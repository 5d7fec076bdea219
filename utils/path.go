package utils

import (
	"path/filepath"
	"strings"
)

// Canonical resolves symlinks and returns the absolute form of path.
// Candidate identity and allow-list matching both key on this form.
// If symlink resolution fails (dangling link, permission), the lexical
// absolute path is used instead.
func Canonical(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return filepath.Clean(resolved)
	}
	return abs
}

// CanonicalSet canonicalizes each path and returns a lookup set.
func CanonicalSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		set[Canonical(p)] = struct{}{}
	}
	return set
}

// IsPathWithin returns true if the given path is within any of the roots.
func IsPathWithin(path string, roots []string) bool {
	absPath := Canonical(path)
	for _, root := range roots {
		absRoot := Canonical(root)
		rel, err := filepath.Rel(absRoot, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
