package shadow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	lockFileName = ".kbot-lock"
	staleLockAge = 5 * time.Minute
)

// ErrLockHeld means another committer owns the shadow lock right now.
var ErrLockHeld = errors.New("shadow: commit in progress")

func lockPath(worktree string) string {
	return filepath.Join(worktree, lockFileName)
}

// acquireLock takes the cross-process commit lock via atomic
// create-if-absent. A lock older than staleLockAge is treated as
// abandoned, removed, and re-acquired once.
func acquireLock(worktree string) (release func(), err error) {
	path := lockPath(worktree)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("shadow: failed to create lock: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between our create and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) < staleLockAge {
			return nil, ErrLockHeld
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("shadow: failed to remove stale lock: %w", rmErr)
		}
	}
	return nil, ErrLockHeld
}
