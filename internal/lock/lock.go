// Package lock serializes runner invocations on a worker. The sign pipeline
// mutates host-level state (keychains), so two dispatches must never overlap.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// RunLock is a single-instance lock implemented via a PID file + flock(2).
// The lock stays held as long as the file descriptor is open.
type RunLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock at lockPath and writes the
// current PID into the file. A second invocation on the same worker fails
// immediately instead of queueing behind a running job.
func Acquire(lockPath string) (*RunLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another runner invocation holds %s: %w", lockPath, err)
	}

	if err := f.Truncate(0); err != nil {
		release(f)
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		release(f)
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &RunLock{path: lockPath, f: f}, nil
}

// Release drops the lock and removes the PID file. Safe to call once.
func (l *RunLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	release(l.f)
	l.f = nil
	// Best effort: a leftover file without a lock is harmless.
	_ = os.Remove(l.path)
	return nil
}

func release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
