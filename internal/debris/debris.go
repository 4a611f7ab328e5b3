// Package debris implements moving a losing local file or folder out of
// the synced tree into a dated subfolder of the sync's local trash,
// instead of deleting it outright.
package debris

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FsAccess is the subset of the filesystem boundary DebrisMover needs.
type FsAccess interface {
	Rename(src, dst string, overwrite bool) error
	Mkdir(path string, recursive bool) error
}

// maxDailySuffixAttempts bounds the per-second-suffixed fallback variant.
const maxDailySuffixAttempts = 100

// TransientError wraps an underlying rename failure the caller should
// retry later rather than treat as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("debris: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Mover relocates local paths into <syncRoot>/<debrisDirName>/<date>/<leaf>.
type Mover struct {
	FA          FsAccess
	SyncRoot    string
	DebrisDir   string
	Now         func() time.Time
	isTransient func(error) bool
}

// New constructs a Mover. now supplies the current time so tests can pin
// the daily folder name; production callers pass time.Now.
func New(fa FsAccess, syncRoot, debrisDirName string, now func() time.Time) *Mover {
	return &Mover{
		FA:          fa,
		SyncRoot:    syncRoot,
		DebrisDir:   debrisDirName,
		Now:         now,
		isTransient: defaultIsTransient,
	}
}

// Move attempts to rename localPath into today's debris subfolder. If the
// daily folder is absent it is created; if creation or the first rename
// attempt fails, a per-second-suffixed variant (YYYY-MM-DD HH.MM.SS.NN)
// is tried up to maxDailySuffixAttempts times. A transient rename error
// is returned wrapped in *TransientError so callers can retry later;
// anything else is permanent.
func (m *Mover) Move(ctx context.Context, localPath string) error {
	debrisRoot := filepath.Join(m.SyncRoot, m.DebrisDir)
	_ = m.FA.Mkdir(debrisRoot, true) // ok if it already exists; rename below surfaces any real problem

	leaf := filepath.Base(localPath)
	day := m.Now().Format("2006-01-02")

	dailyDir := filepath.Join(debrisRoot, day)
	if err := m.tryMoveInto(localPath, dailyDir, leaf); err == nil {
		return nil
	}

	for i := 0; i < maxDailySuffixAttempts; i++ {
		suffixedDir := filepath.Join(debrisRoot, fmt.Sprintf("%s %s", day, m.Now().Format("15.04.05."))+fmt.Sprintf("%02d", i))
		err := m.tryMoveInto(localPath, suffixedDir, leaf)
		if err == nil {
			return nil
		}
		if _, transient := asTransient(err); transient {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("debris: exhausted %d suffixed variants for %s", maxDailySuffixAttempts, localPath)
}

func (m *Mover) tryMoveInto(localPath, destDir, leaf string) error {
	_ = m.FA.Mkdir(destDir, false) // ok if it already exists

	dest := filepath.Join(destDir, leaf)
	if err := m.FA.Rename(localPath, dest, false); err != nil {
		if m.isTransient(err) {
			return &TransientError{Err: err}
		}
		return fmt.Errorf("debris: rename %s to %s: %w", localPath, dest, err)
	}
	return nil
}

func asTransient(err error) (*TransientError, bool) {
	te, ok := err.(*TransientError)
	return te, ok
}

// defaultIsTransient treats "already exists" as transient (a concurrent
// writer beat us to creating the folder) and everything else from the
// os-backed FsAccess as permanent. Callers with a richer FsAccess
// implementation may substitute their own classification.
func defaultIsTransient(err error) bool {
	return err != nil && errors.Is(err, os.ErrExist)
}
