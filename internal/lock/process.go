package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ProcessLock is an advisory file lock shared by every process using the same
// local state directory. It keeps two processes (tabs, devices sharing a
// profile) from draining the same offline queue at once.
type ProcessLock struct {
	fl *flock.Flock
}

// NewProcessLock creates a lock backed by path. The parent directory is
// created if needed; the lock is not taken.
func NewProcessLock(path string) (*ProcessLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &ProcessLock{fl: flock.New(path)}, nil
}

// TryLock takes the lock without blocking. Returns false if another process holds it.
func (l *ProcessLock) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire process lock %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

// Unlock releases the lock.
func (l *ProcessLock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the lock file path.
func (l *ProcessLock) Path() string {
	return l.fl.Path()
}
