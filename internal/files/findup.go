package files

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and each of its parents for an entry called name,
// returning its path or "" if none is found.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
