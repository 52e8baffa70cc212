// Package lock provides cross-process advisory locks for harness resources.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a held advisory lock. Release is safe to call more than once.
type Lock struct {
	fl   *flock.Flock
	path string
}

// TryAcquire attempts to take an exclusive lock on path without blocking.
// It returns (nil, nil) when another process already holds the lock.
func TryAcquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, nil
	}
	return &Lock{fl: fl, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks the lock. The file stays in place so every process
// contends on the same inode.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}
