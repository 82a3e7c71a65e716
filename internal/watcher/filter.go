package watcher

import (
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns are always ignored regardless of user configuration.
// They cover editor scratch files and metadata the host never needs to see
// refreshed.
var defaultIgnorePatterns = []string{
	"*.swp",
	"*.swo",
	"*.swx",
	"*~",
	".#*",
	"*.tmp",
	"*.part",
	".DS_Store",
	"._*",
	".Trashes",
	".Spotlight-V100",
	".fseventsd",
}

// Filter checks paths relative to the mount point against glob ignore
// patterns. Every path component is matched, so ".Trashes" also hides
// ".Trashes/501/IMG_0001.JPG".
type Filter struct {
	patterns []string
}

// NewFilter creates a Filter with the default patterns merged with any
// additional user-supplied patterns. Duplicates are removed.
func NewFilter(extra []string) *Filter {
	seen := make(map[string]struct{}, len(defaultIgnorePatterns)+len(extra))
	var merged []string
	for _, p := range defaultIgnorePatterns {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	for _, p := range extra {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	return &Filter{patterns: merged}
}

// ShouldIgnore reports whether any component of path matches a pattern.
func (f *Filter) ShouldIgnore(path string) bool {
	components := strings.Split(filepath.Clean(path), string(filepath.Separator))
	for _, component := range components {
		for _, pattern := range f.patterns {
			if matched, _ := filepath.Match(pattern, component); matched {
				return true
			}
		}
	}
	return false
}
