package settings

import (
	"os"
	"path/filepath"
)

const appDirName = "UpdateNode"

// DefaultDir returns the per-user directory holding settings and cached
// artifacts for the product identified by keyHash
func DefaultDir(keyHash string) string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, appDirName, keyHash)
}

// DefaultPath returns the default settings file location for keyHash
func DefaultPath(keyHash string) string {
	return filepath.Join(DefaultDir(keyHash), "settings.json")
}
