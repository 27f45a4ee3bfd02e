package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrSyncInProgress is returned when another sync holds the run lock
var ErrSyncInProgress = errors.New("sync already in progress")

// runLock guards a sync run across processes with a lock file
type runLock struct {
	path string
	lock *flock.Flock
}

func newRunLock(path string) *runLock {
	if path == "" {
		return &runLock{}
	}
	return &runLock{path: path, lock: flock.New(path)}
}

// acquire takes the lock without blocking. A lock held by another process
// yields ErrSyncInProgress.
func (l *runLock) acquire() error {
	if l.lock == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is locked", ErrSyncInProgress, l.path)
	}
	return nil
}

func (l *runLock) release() error {
	if l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
