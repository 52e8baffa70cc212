// Package util holds small filesystem and path helpers shared by the harness.
package util

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	homeDir     string
	homeDirOnce sync.Once
)

// cachedHomeDir returns the user's home directory, cached after the first call.
func cachedHomeDir() string {
	homeDirOnce.Do(func() {
		homeDir, _ = os.UserHomeDir()
	})
	return homeDir
}

// ExpandHome expands a leading ~/ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~/ or if
// the home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home := cachedHomeDir()
	if home == "" {
		return path
	}
	return home + path[1:]
}

// ResetDir removes dir and everything below it, then recreates it empty.
// Refuses to operate on the filesystem root or an empty path.
func ResetDir(dir string) error {
	dir = filepath.Clean(ExpandHome(dir))
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to reset directory %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// EncodePath encodes a repository path for use in a UI route query string.
func EncodePath(path string) string {
	return url.QueryEscape(path)
}
