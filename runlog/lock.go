package runlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrRunLocked 另一个进程正在归档同一个运行
var ErrRunLocked = errors.New("runlog: run is being archived by another watcher")

// RunLock 单个运行的归档锁
type RunLock struct {
	path string
	lock *flock.Flock
}

// LockRun takes the archive lock for runID so two watchers of the same run
// do not record every batch twice. It never blocks; a held lock yields ErrRunLocked.
func (s *Store) LockRun(runID string) (*RunLock, error) {
	dir := filepath.Join(filepath.Dir(s.path), "locks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := filepath.Join(dir, lockName(runID)+".lock")
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	return &RunLock{path: path, lock: l}, nil
}

// Path 锁文件路径
func (l *RunLock) Path() string {
	return l.path
}

// Unlock 释放锁
func (l *RunLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.lock.Unlock()
}

func lockName(runID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(runID))
}
