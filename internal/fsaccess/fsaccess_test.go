package fsaccess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsIDStableAcrossStatCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	fa := New()
	id1, err := fa.FsID(path)
	require.NoError(t, err)
	id2, err := fa.FsID(path)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestFsIDDiffersAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a")
	pathB := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(pathA, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("b"), 0o644))

	fa := New()
	idA, err := fa.FsID(pathA)
	require.NoError(t, err)
	idB, err := fa.FsID(pathB)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestRenameRefusesOverwriteByDefault(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("s"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("d"), 0o644))

	fa := New()
	err := fa.Rename(src, dst, false)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestMkdirRecursive(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	fa := New()
	require.NoError(t, fa.Mkdir(nested, true))

	info, err := fa.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
