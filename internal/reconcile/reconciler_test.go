package reconcile

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/fingerprint"
	"github.com/openmined/synccore/internal/synctree"
)

// fakeStat is one entry of the fake filesystem.
type fakeStat struct {
	dir   bool
	size  int64
	mtime int64
	fsid  uint64
}

// fakeFS is an in-memory reconcile.FsAccess: a map of directories to
// child names plus per-path stat data.
type fakeFS struct {
	mu    sync.Mutex
	dirs  map[string][]string
	stats map[string]fakeStat
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		dirs:  make(map[string][]string),
		stats: make(map[string]fakeStat),
	}
}

func (f *fakeFS) addDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dirs[path]; !ok {
		f.dirs[path] = nil
	}
	f.stats[path] = fakeStat{dir: true}
	f.linkToParentLocked(path)
}

func (f *fakeFS) addFile(path string, size, mtime int64, fsid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[path] = fakeStat{size: size, mtime: mtime, fsid: fsid}
	f.linkToParentLocked(path)
}

func (f *fakeFS) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stats, path)
	delete(f.dirs, path)
	parent := filepath.Dir(path)
	leaf := filepath.Base(path)
	kids := f.dirs[parent]
	for i, k := range kids {
		if k == leaf {
			f.dirs[parent] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
}

func (f *fakeFS) linkToParentLocked(path string) {
	parent := filepath.Dir(path)
	if parent == path {
		return
	}
	leaf := filepath.Base(path)
	for _, k := range f.dirs[parent] {
		if k == leaf {
			return
		}
	}
	f.dirs[parent] = append(f.dirs[parent], leaf)
}

func (f *fakeFS) ReadDir(path string) ([]fs.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kids, ok := f.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	sorted := append([]string(nil), kids...)
	sort.Strings(sorted)
	out := make([]fs.DirEntry, 0, len(sorted))
	for _, k := range sorted {
		st := f.stats[filepath.Join(path, k)]
		out = append(out, fakeEntry{name: k, stat: st})
	}
	return out, nil
}

func (f *fakeFS) Lstat(path string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stats[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fakeInfo{name: filepath.Base(path), stat: st}, nil
}

func (f *fakeFS) FsID(path string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stats[path]
	if !ok {
		return 0, os.ErrNotExist
	}
	return st.fsid, nil
}

func (f *fakeFS) FsFingerprint(path string) (uint64, error) { return 1, nil }
func (f *fakeFS) ShortName(path string) (string, error)     { return "", nil }

func (f *fakeFS) Mkdir(path string, recursive bool) error {
	f.mu.Lock()
	if _, exists := f.stats[path]; exists {
		f.mu.Unlock()
		return os.ErrExist
	}
	f.mu.Unlock()
	f.addDir(path)
	return nil
}

type fakeEntry struct {
	name string
	stat fakeStat
}

func (e fakeEntry) Name() string { return e.name }
func (e fakeEntry) IsDir() bool  { return e.stat.dir }
func (e fakeEntry) Type() fs.FileMode {
	if e.stat.dir {
		return fs.ModeDir
	}
	return 0
}
func (e fakeEntry) Info() (fs.FileInfo, error) {
	return fakeInfo{name: e.name, stat: e.stat}, nil
}

type fakeInfo struct {
	name string
	stat fakeStat
}

func (i fakeInfo) Name() string { return i.name }
func (i fakeInfo) Size() int64  { return i.stat.size }
func (i fakeInfo) Mode() os.FileMode {
	if i.stat.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i fakeInfo) ModTime() time.Time { return time.Unix(0, i.stat.mtime) }
func (i fakeInfo) IsDir() bool        { return i.stat.dir }
func (i fakeInfo) Sys() any           { return nil }

type fakeCache struct {
	mu      sync.Mutex
	puts    []*synctree.Node
	deletes []uint32
}

func (c *fakeCache) QueuePut(n *synctree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, n)
}

func (c *fakeCache) QueueDelete(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, id)
}

type fakeDebris struct {
	moves []string
}

func (d *fakeDebris) Move(ctx context.Context, path string) error {
	d.moves = append(d.moves, path)
	return nil
}

type harness struct {
	fs     *fakeFS
	cloud  *cloudclient.Fake
	cache  *fakeCache
	debris *fakeDebris
	index  *synctree.FsIDIndex
	rec    *Reconciler
	now    int64
	root   *synctree.Node
}

func newHarness(t *testing.T, caseSensitive bool) *harness {
	t.Helper()
	h := &harness{
		fs:     newFakeFS(),
		cloud:  cloudclient.NewFake(true),
		cache:  &fakeCache{},
		debris: &fakeDebris{},
		index:  synctree.NewFsIDIndex(),
		now:    1000,
		root:   synctree.NewRoot(),
	}
	h.fs.addDir("/r")
	h.rec = New(h.fs, h.cloud, h.index, h.debris, h.cache, caseSensitive, func() int64 { return h.now })
	h.rec.Root = h.root
	h.rec.RootPath = "/r"
	h.rec.ScanSeq = 1
	h.rec.Fingerprint = func(path string, size, mtime int64) (fingerprint.Full, error) {
		return fingerprint.Full{Light: fingerprint.LightOf(size, mtime), CRC: 1, Valid: true}, nil
	}
	return h
}

func (h *harness) markDirty() {
	h.root.SetFutureScan(synctree.FlagHereAndBelow)
	h.root.SetFutureSync(synctree.FlagHereAndBelow)
}

func (h *harness) pass(t *testing.T, cloud synctree.CloudSlot) bool {
	t.Helper()
	resolved, err := h.rec.RecursiveSync(context.Background(), &synctree.Row{Sync: h.root, Cloud: cloud}, "/r")
	require.NoError(t, err)
	return resolved
}

func callsOfKind(f *cloudclient.Fake, kind cloudclient.CommandKind) []cloudclient.Command {
	var out []cloudclient.Command
	for _, c := range f.Calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func remoteFolder(handle uint64, name string, children ...*synctree.RemoteNode) *synctree.RemoteNode {
	return &synctree.RemoteNode{
		Handle:      synctree.RemoteHandle(handle),
		DisplayName: name,
		Kind:        synctree.KindFolder,
		Alive:       true,
		Decrypted:   true,
		Children:    children,
	}
}

func remoteFile(handle uint64, name string, size, mtime int64) *synctree.RemoteNode {
	return &synctree.RemoteNode{
		Handle:      synctree.RemoteHandle(handle),
		DisplayName: name,
		Kind:        synctree.KindFile,
		Size:        size,
		Mtime:       mtime,
		Alive:       true,
		Decrypted:   true,
	}
}

func TestNewLocalFileUploadsAcrossTwoPasses(t *testing.T) {
	h := newHarness(t, true)
	h.fs.addFile("/r/b.txt", 42, 900, 7)
	h.markDirty()

	resolved := h.pass(t, synctree.CloudAbsent)
	assert.False(t, resolved)

	b := h.root.Children["b.txt"]
	require.NotNil(t, b, "first pass adopts the fs entry as a sync node")
	assert.Equal(t, int64(42), b.Size)
	assert.Equal(t, synctree.RemoteHandle(synctree.UndefID), b.SyncedRemoteHandle)
	assert.Empty(t, h.cloud.Calls)

	h.now += 30
	h.pass(t, synctree.CloudAbsent)

	uploads := callsOfKind(h.cloud, cloudclient.CmdUpload)
	require.Len(t, uploads, 1)
	assert.Equal(t, "/r/b.txt", uploads[0].LocalPath)
	assert.NotEqual(t, synctree.RemoteHandle(synctree.UndefID), b.SyncedRemoteHandle)
	assert.True(t, b.Fingerprint.Valid, "upload must not start without a valid fingerprint")
}

func TestMoveDetectedWithoutRestart(t *testing.T) {
	h := newHarness(t, true)

	a := synctree.New(synctree.KindFolder, h.root, "A", "")
	a.MarkSynced(10)
	b := synctree.New(synctree.KindFolder, h.root, "B", "")
	b.MarkSynced(11)
	x := synctree.New(synctree.KindFile, a, "x", "")
	x.Size, x.Mtime = 10, 1000
	x.MarkSynced(500)
	x.SetFsID(100, h.index)

	h.fs.addDir("/r/A")
	h.fs.addDir("/r/B")
	h.fs.addFile("/r/B/x", 10, 1000, 100)

	cloud := synctree.CloudPresentValue(remoteFolder(1, "",
		remoteFolder(10, "A", remoteFile(500, "x", 10, 1000)),
		remoteFolder(11, "B"),
	))

	h.markDirty()
	h.pass(t, cloud)

	moves := callsOfKind(h.cloud, cloudclient.CmdMoveNode)
	require.Len(t, moves, 1, "exactly one cloud move")
	assert.Equal(t, synctree.RemoteHandle(500), moves[0].RemoteHandle)
	assert.Equal(t, synctree.RemoteHandle(11), moves[0].NewParent)
	assert.Equal(t, "x", moves[0].NewName)

	assert.Empty(t, callsOfKind(h.cloud, cloudclient.CmdDeleteNode))
	assert.Empty(t, h.debris.moves, "a move never goes through debris")

	assert.Same(t, b, x.Parent)
	assert.Same(t, x, b.Children["x"])
	assert.Nil(t, a.Children["x"])
	assert.Equal(t, synctree.RemoteHandle(500), x.SyncedRemoteHandle)
}

func TestNameConflictSuppressesAllCommands(t *testing.T) {
	h := newHarness(t, false) // case-insensitive comparator
	h.fs.addFile("/r/README", 5, 100, 1)
	h.fs.addFile("/r/Readme", 6, 200, 2)
	h.markDirty()

	resolved := h.pass(t, synctree.CloudAbsent)

	assert.False(t, resolved)
	assert.Empty(t, h.cloud.Calls, "no cloud command for either colliding name")
	assert.Equal(t, synctree.FlagHereOnly, h.root.SyncAgain)
	assert.Equal(t, synctree.FlagHereOnly, h.root.ScanAgain, "conflict stays visible to the next scan")
}

func TestCloudOnlyAdditionDownloads(t *testing.T) {
	h := newHarness(t, true)
	cloud := synctree.CloudPresentValue(remoteFolder(1, "",
		remoteFolder(10, "A", remoteFile(20, "new.txt", 8, 400)),
	))
	h.markDirty()

	h.pass(t, cloud)

	a := h.root.Children["A"]
	require.NotNil(t, a, "cloud folder materialized locally")
	if _, err := h.fs.Lstat("/r/A"); err != nil {
		t.Fatalf("local dir not created: %v", err)
	}

	h.now += 30
	h.pass(t, cloud)

	downloads := callsOfKind(h.cloud, cloudclient.CmdDownload)
	require.Len(t, downloads, 1)
	assert.Equal(t, synctree.RemoteHandle(20), downloads[0].RemoteHandle)

	newNode := a.Children["new.txt"]
	require.NotNil(t, newNode)
	assert.Equal(t, synctree.RemoteHandle(20), newNode.SyncedRemoteHandle)
	assert.Equal(t, synctree.FlagResolved, newNode.ScanAgain)
}

func TestNodeRemovedAfterTwoMissedScans(t *testing.T) {
	h := newHarness(t, true)
	x := synctree.New(synctree.KindFile, h.root, "x", "")
	x.DBID = 7
	h.markDirty()

	h.rec.ScanSeq = 5
	h.pass(t, synctree.CloudAbsent)
	assert.NotNil(t, h.root.Children["x"], "first miss only marks not-seen")
	assert.True(t, x.NotSeen)
	assert.Empty(t, h.cache.deletes)

	h.now += 30
	h.rec.ScanSeq = 7
	h.root.SetFutureScan(synctree.FlagHereOnly)
	h.pass(t, synctree.CloudAbsent)

	assert.Nil(t, h.root.Children["x"])
	assert.Equal(t, []uint32{7}, h.cache.deletes)
}

func TestFullySyncedTreeIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	a := synctree.New(synctree.KindFile, h.root, "a.txt", "")
	a.Size, a.Mtime = 5, 900
	a.MarkSynced(77)
	h.fs.addFile("/r/a.txt", 5, 900, 3)

	cloud := synctree.CloudPresentValue(remoteFolder(1, "",
		remoteFile(77, "a.txt", 5, 900),
	))

	h.markDirty()
	resolved := h.pass(t, cloud)
	assert.True(t, resolved)
	assert.Empty(t, h.cloud.Calls)
	assert.Empty(t, h.cache.puts)
	assert.Empty(t, h.cache.deletes)

	// Second pass with no external changes: short-circuits on resolved flags.
	resolved = h.pass(t, cloud)
	assert.True(t, resolved)
	assert.Empty(t, h.cloud.Calls)
	assert.Empty(t, h.cache.puts)
}

func TestMoveDebouncedWhileOriginStillExists(t *testing.T) {
	h := newHarness(t, true)

	a := synctree.New(synctree.KindFolder, h.root, "A", "")
	a.MarkSynced(10)
	b := synctree.New(synctree.KindFolder, h.root, "B", "")
	b.MarkSynced(11)
	x := synctree.New(synctree.KindFile, a, "x", "")
	x.Size, x.Mtime = 10, 1000
	x.MarkSynced(500)
	x.SetFsID(100, h.index)

	h.fs.addDir("/r/A")
	h.fs.addDir("/r/B")
	h.fs.addFile("/r/A/x", 10, 1000, 100) // origin still on disk
	h.fs.addFile("/r/B/x", 10, 1000, 100)

	cloud := synctree.CloudPresentValue(remoteFolder(1, "",
		remoteFolder(10, "A", remoteFile(500, "x", 10, 1000)),
		remoteFolder(11, "B"),
	))

	h.markDirty()
	h.pass(t, cloud)
	assert.Empty(t, callsOfKind(h.cloud, cloudclient.CmdMoveNode), "first observation must not commit the move")

	// Stable across FileUpdateDelayDS: second observation commits.
	h.now += FileUpdateDelayDS + 5
	h.pass(t, cloud)

	moves := callsOfKind(h.cloud, cloudclient.CmdMoveNode)
	require.Len(t, moves, 1)
	assert.Same(t, b, x.Parent)
}

func TestCloudDeletedMovesLocalToDebris(t *testing.T) {
	h := newHarness(t, true)
	gone := synctree.New(synctree.KindFile, h.root, "gone.txt", "")
	gone.Size, gone.Mtime = 9, 300
	gone.MarkSynced(55)
	gone.DBID = 12
	h.fs.addFile("/r/gone.txt", 9, 300, 4)

	// Cloud root exists but no longer lists gone.txt.
	cloud := synctree.CloudPresentValue(remoteFolder(1, ""))

	h.markDirty()
	h.pass(t, cloud)

	assert.Equal(t, []string{"/r/gone.txt"}, h.debris.moves)
	assert.Nil(t, h.root.Children["gone.txt"])
	assert.Equal(t, []uint32{12}, h.cache.deletes)
	assert.Empty(t, h.cloud.Calls)
}
