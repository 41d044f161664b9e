// Package lock guards exclusive access to a repository's local git working
// copy. Per-repository state inside the coordinator is already serialized by
// the single-writer worker (see internal/coordinator), but the working copy
// on disk is also guarded by an OS-level file lock so that two coordinator
// processes never point at the same clone, and so a crashed-and-restarted
// daemon can tell a stale lock from a live one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when the working copy is locked by another process.
var ErrHeld = errors.New("working copy is locked by another process")

// WorkingCopy is an exclusive lock over one repository's local git clone.
type WorkingCopy struct {
	path string
	fl   *flock.Flock
}

// New returns a lock for the given repository working-copy path. The lock
// file lives alongside the clone as "<path>/.mergequeue.lock" so that
// removing the clone also removes the lock.
func New(repoPath string) *WorkingCopy {
	return &WorkingCopy{
		path: repoPath,
		fl:   flock.New(filepath.Join(repoPath, ".mergequeue.lock")),
	}
}

// TryAcquire attempts to take the lock without blocking. Returns ErrHeld if
// another process currently holds it.
func (w *WorkingCopy) TryAcquire() error {
	ok, err := w.fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking working copy %s: %w", w.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, w.path)
	}
	return nil
}

// Acquire blocks until the lock is taken, ctx is done, or 10 seconds have
// passed, whichever comes first, retrying every 100ms.
func (w *WorkingCopy) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := w.fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking working copy %s: %w", w.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, w.path)
	}
	return nil
}

// Release gives up the lock. Safe to call even if not held.
func (w *WorkingCopy) Release() error {
	if !w.fl.Locked() {
		return nil
	}
	if err := w.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing working copy lock %s: %w", w.path, err)
	}
	return nil
}

// Locked reports whether this instance currently holds the lock.
func (w *WorkingCopy) Locked() bool {
	return w.fl.Locked()
}
