package filesystem

import (
	"os"
	"path/filepath"
)

// existingAncestor returns path or its closest parent that exists, so disk
// stats work for destination directories that are not created yet
func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
