package utils

import (
	"path/filepath"
	"strings"
)

// Pseudo-filesystems and volatile trees that never hold real
// setuid/setgid executables worth auditing.
var defaultSkipPrefixes = []string{"/proc", "/sys", "/dev", "/run"}

// SkipMatcher decides which directories the candidate walk should not
// descend into. User-supplied entries may be absolute prefixes or
// basename globs.
type SkipMatcher struct {
	prefixes []string
	globs    []string
}

func NewSkipMatcher(excludes []string) *SkipMatcher {
	m := &SkipMatcher{prefixes: append([]string(nil), defaultSkipPrefixes...)}
	for _, e := range excludes {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if filepath.IsAbs(e) {
			m.prefixes = append(m.prefixes, filepath.Clean(e))
		} else {
			m.globs = append(m.globs, e)
		}
	}
	return m
}

func (m *SkipMatcher) ShouldSkip(path string) bool {
	if m == nil {
		return false
	}
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	base := filepath.Base(path)
	for _, pattern := range m.globs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
