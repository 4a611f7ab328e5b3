package debris

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type osFA struct{}

func (osFA) Rename(src, dst string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(dst); err == nil {
			return os.ErrExist
		}
	}
	return os.Rename(src, dst)
}

func (osFA) Mkdir(path string, recursive bool) error {
	if recursive {
		return os.MkdirAll(path, 0o755)
	}
	return os.Mkdir(path, 0o755)
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMoveCreatesDailyFolder(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "loser.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	now := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	mv := New(osFA{}, root, ".debris", fixedNow(now))

	require.NoError(t, mv.Move(context.Background(), src))

	dest := filepath.Join(root, ".debris", "2024-03-14", "loser.txt")
	assert.FileExists(t, dest)
	assert.NoFileExists(t, src)
}

func TestMoveFallsBackToSuffixedFolderOnCollision(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

	// Pre-occupy the daily destination with a file of the same leaf name
	// so the first attempt collides and the mover must fall back.
	dailyDir := filepath.Join(root, ".debris", "2024-03-14")
	require.NoError(t, os.MkdirAll(dailyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dailyDir, "loser.txt"), []byte("already here"), 0o644))

	src := filepath.Join(root, "loser.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	mv := New(osFA{}, root, ".debris", fixedNow(now))
	require.NoError(t, mv.Move(context.Background(), src))

	assert.NoFileExists(t, src)
	// The original daily-folder file must be untouched.
	original, err := os.ReadFile(filepath.Join(dailyDir, "loser.txt"))
	require.NoError(t, err)
	assert.Equal(t, "already here", string(original))
}

func TestTransientRenameErrorIsWrapped(t *testing.T) {
	err := &TransientError{Err: errors.New("sharing violation")}
	assert.Contains(t, err.Error(), "sharing violation")
	assert.ErrorIs(t, err, err.Err)
}
