package source

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// walkFiles collects files under root whose base name satisfies match.
// Recursion depth is bounded: directories deeper than maxDepth levels below
// root are reported as truncated, not descended into. Because the bound is
// counted per level, a cyclic symlink chain terminates instead of hanging.
func walkFiles(root string, maxDepth int, match func(name string) bool) ([]string, []error) {
	var files []string
	var errs []error

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("read dir %s: %w", dir, err))
			return
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			info, err := os.Stat(path) // resolves symlinks
			if err != nil {
				// Dangling symlink or removed between listing and stat
				errs = append(errs, fmt.Errorf("stat %s: %w", path, err))
				continue
			}
			if info.IsDir() {
				if depth+1 > maxDepth {
					errs = append(errs, fmt.Errorf("max depth %d exceeded at %s, subtree skipped", maxDepth, path))
					continue
				}
				walk(path, depth+1)
				continue
			}
			if match(entry.Name()) {
				files = append(files, path)
			}
		}
	}

	walk(root, 0)
	return files, errs
}

// mtimeRFC3339 returns the file's modification time, used as the fallback
// timestamp for records that carry none.
func mtimeRFC3339(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return info.ModTime().UTC().Format(time.RFC3339)
}
