package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Lock is a pid file guarding against overlapping ticks from concurrent
// invocations. A lock whose file is older than the stale window is assumed
// abandoned and stolen.
type Lock struct {
	path string
}

var ErrLocked = fmt.Errorf("another tick is already running")

func LockPath(workspace string) string {
	return filepath.Join(workspace, ".calwatch", "tick.lock")
}

func AcquireLock(workspace string, stale time.Duration) (*Lock, error) {
	path := LockPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between our open and stat; retry once.
			continue
		}
		if time.Since(info.ModTime()) > stale {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, rmErr
			}
			continue
		}
		return nil, ErrLocked
	}
	return nil, ErrLocked
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
