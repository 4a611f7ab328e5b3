package synctree

import "sync/atomic"

// State is the coarse state of a Sync, owned and transitioned by the
// lifecycle package; synctree only stores the current value.
type State string

const (
	StateInitialScan State = "initial-scan"
	StateActive      State = "active"
	StateCanceled    State = "canceled"
	StateFailed      State = "failed"
	StateDisabled    State = "disabled"
)

// Counters tracks aggregate local byte/file/folder totals, refreshed as
// the reconciler walks the tree. Atomic fields so status reporting from
// another goroutine never races the reconciliation thread.
type Counters struct {
	LocalBytes  int64
	FileCount   int64
	FolderCount int64
}

func (c *Counters) AddFile(size int64) {
	atomic.AddInt64(&c.LocalBytes, size)
	atomic.AddInt64(&c.FileCount, 1)
}

func (c *Counters) AddFolder() {
	atomic.AddInt64(&c.FolderCount, 1)
}

func (c *Counters) RemoveFile(size int64) {
	atomic.AddInt64(&c.LocalBytes, -size)
	atomic.AddInt64(&c.FileCount, -1)
}

func (c *Counters) store(bytes, files, folders int64) {
	atomic.StoreInt64(&c.LocalBytes, bytes)
	atomic.StoreInt64(&c.FileCount, files)
	atomic.StoreInt64(&c.FolderCount, folders)
}

func (c *Counters) Snapshot() Counters {
	return Counters{
		LocalBytes:  atomic.LoadInt64(&c.LocalBytes),
		FileCount:   atomic.LoadInt64(&c.FileCount),
		FolderCount: atomic.LoadInt64(&c.FolderCount),
	}
}

// Config is an immutable snapshot of one Sync's identity and policy,
// captured at construction time.
type Config struct {
	LocalPath    string
	RemoteHandle RemoteHandle
	AccountID    string
	Exclusions   []string
	DebrisDir    string
}

// Root owns the root Node, the config snapshot, the current state and
// the aggregate counters for one synced subtree.
type Root struct {
	Cfg       Config
	RootNode  *Node
	State     State
	Counters  Counters
	ScanSeqNo int64
}

// NewSyncRoot constructs a fresh Root with an empty root folder node.
func NewSyncRoot(cfg Config) *Root {
	return &Root{
		Cfg:      cfg,
		RootNode: NewRoot(),
		State:    StateInitialScan,
	}
}

// RefreshCounters recomputes the aggregate local totals from the current
// tree. Run on the reconciliation thread once per cycle; readers on other
// goroutines see a consistent snapshot through the atomic fields.
func (r *Root) RefreshCounters() {
	var bytes, files, folders int64
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children {
			if c.Kind == KindFolder {
				folders++
				walk(c)
			} else {
				files++
				bytes += c.Size
			}
		}
	}
	walk(r.RootNode)
	r.Counters.store(bytes, files, folders)
}
