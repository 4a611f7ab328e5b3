package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/debris"
	"github.com/openmined/synccore/internal/fsaccess"
	"github.com/openmined/synccore/internal/reconcile"
	"github.com/openmined/synccore/internal/scanqueue"
	"github.com/openmined/synccore/internal/store"
	"github.com/openmined/synccore/internal/synctree"
)

// TestEngineSyncsNewLocalFile drives the full stack over a real temp
// directory: the engine discovers a local file, persists its node, and
// uploads it through the (fake) cloud client.
func TestEngineSyncsNewLocalFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644))

	db, err := store.NewSqliteDB()
	require.NoError(t, err)
	defer db.Close()
	st, err := store.Open(db, "syncstate_engine")
	require.NoError(t, err)

	root := synctree.NewSyncRoot(synctree.Config{LocalPath: dir})
	index := synctree.NewFsIDIndex()
	fa := fsaccess.New()

	s := New("engine-test", root, index, fa, nil, st, nil)
	commits := NewCommitQueue(s)

	cloud := cloudclient.NewFake(true)
	rec := reconcile.New(fa, cloud, index, debris.New(fa, dir, ".synccore-debris", time.Now), commits, true, scanqueue.NowDS)
	rec.Root = root.RootNode
	rec.RootPath = dir

	queue := scanqueue.New(scanqueue.NowDS)
	engine := NewEngine(s, rec, queue, nil, commits, nil)
	engine.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, engine.Run(ctx))

	node := root.RootNode.Children["hello.txt"]
	require.NotNil(t, node, "engine adopted the local file")
	assert.NotZero(t, node.DBID, "node persisted through the commit queue")
	assert.NotEqual(t, synctree.RemoteHandle(synctree.UndefID), node.SyncedRemoteHandle, "upload completed")

	uploads := 0
	for _, c := range cloud.Calls {
		if c.Kind == cloudclient.CmdUpload {
			uploads++
		}
	}
	assert.Equal(t, 1, uploads, "exactly one upload for one file")

	rows, err := st.LoadAll(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rows), 2, "root and file rows persisted")

	snap := root.Counters.Snapshot()
	assert.Equal(t, int64(1), snap.FileCount)
	assert.Equal(t, int64(2), snap.LocalBytes)
}
