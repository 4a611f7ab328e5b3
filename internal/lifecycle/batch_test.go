package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/synccore/internal/store"
	"github.com/openmined/synccore/internal/synctree"
)

func newTestSync(t *testing.T) (*Sync, *store.Store) {
	t.Helper()
	db, err := store.NewSqliteDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(db, "syncstate_batch")
	require.NoError(t, err)

	root := synctree.NewSyncRoot(synctree.Config{LocalPath: t.TempDir()})
	root.State = synctree.StateActive
	s := New("batch", root, synctree.NewFsIDIndex(), &fakeFA{ids: map[string]uint64{}}, nil, st, nil)
	return s, st
}

func TestFlushCommitsParentBeforeChild(t *testing.T) {
	s, st := newTestSync(t)
	q := NewCommitQueue(s)
	ctx := context.Background()

	root := s.Root.RootNode
	require.NoError(t, s.commitInitial(ctx))
	require.NotZero(t, root.DBID)

	folder := synctree.New(synctree.KindFolder, root, "docs", "")
	file := synctree.New(synctree.KindFile, folder, "a.txt", "")
	file.Size = 5

	// Child queued before its parent on purpose.
	q.QueuePut(file)
	q.QueuePut(folder)

	require.NoError(t, q.Flush(ctx))
	assert.NotZero(t, folder.DBID)
	assert.NotZero(t, file.DBID)

	rows, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3) // root + folder + file

	byID := make(map[uint32]*synctree.DecodedNode)
	for _, row := range rows {
		decoded, err := synctree.Deserialize(row.Data)
		require.NoError(t, err)
		byID[row.ID] = decoded
	}
	assert.Equal(t, folder.DBID, byID[file.DBID].ParentDBID)
	assert.Equal(t, root.DBID, byID[folder.DBID].ParentDBID)
}

func TestFlushCarriesOrphanToNextCommit(t *testing.T) {
	s, _ := newTestSync(t)
	q := NewCommitQueue(s)
	ctx := context.Background()

	root := s.Root.RootNode
	require.NoError(t, s.commitInitial(ctx))

	parent := synctree.New(synctree.KindFolder, root, "later", "")
	child := synctree.New(synctree.KindFile, parent, "x", "")

	// Only the child is queued; its parent has no dbId yet.
	q.QueuePut(child)
	require.NoError(t, q.Flush(ctx))
	assert.Zero(t, child.DBID, "child must wait for its parent's dbId")

	puts, _ := q.Pending()
	assert.Equal(t, 1, puts, "orphan carried to the next commit")

	// Once the parent is queued too, both land.
	q.QueuePut(parent)
	require.NoError(t, q.Flush(ctx))
	assert.NotZero(t, parent.DBID)
	assert.NotZero(t, child.DBID)
}

func TestFlushUpdatesExistingRows(t *testing.T) {
	s, st := newTestSync(t)
	q := NewCommitQueue(s)
	ctx := context.Background()

	root := s.Root.RootNode
	require.NoError(t, s.commitInitial(ctx))

	n := synctree.New(synctree.KindFile, root, "f", "")
	n.Size = 1
	q.QueuePut(n)
	require.NoError(t, q.Flush(ctx))
	firstID := n.DBID

	n.Size = 999
	q.QueuePut(n)
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, firstID, n.DBID, "update reuses the row")

	rows, err := st.LoadAll(ctx)
	require.NoError(t, err)
	for _, row := range rows {
		if row.ID != firstID {
			continue
		}
		decoded, err := synctree.Deserialize(row.Data)
		require.NoError(t, err)
		assert.Equal(t, int64(999), decoded.Size)
	}
}

func TestCanceledSyncDropsWritesSilently(t *testing.T) {
	s, st := newTestSync(t)
	q := NewCommitQueue(s)
	ctx := context.Background()

	s.Cancel()

	n := synctree.New(synctree.KindFile, s.Root.RootNode, "dropped", "")
	q.QueuePut(n)
	q.QueueDelete(99)
	require.NoError(t, q.Flush(ctx))

	puts, deletes := q.Pending()
	assert.Zero(t, puts)
	assert.Zero(t, deletes)

	rows, err := st.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFlushDeletesQueuedRows(t *testing.T) {
	s, st := newTestSync(t)
	q := NewCommitQueue(s)
	ctx := context.Background()

	root := s.Root.RootNode
	require.NoError(t, s.commitInitial(ctx))

	n := synctree.New(synctree.KindFile, root, "gone", "")
	q.QueuePut(n)
	require.NoError(t, q.Flush(ctx))
	require.NotZero(t, n.DBID)

	q.QueueDelete(n.DBID)
	require.NoError(t, q.Flush(ctx))

	rows, err := st.LoadAll(ctx)
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEqual(t, n.DBID, row.ID)
	}
}
