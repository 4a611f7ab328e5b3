// Package scanqueue implements intake of filesystem change notifications,
// debounces repeated notifications for the same node, and translates them
// into scan-again flags on the affected SyncNodes for the reconciler to
// pick up on its next pass.
package scanqueue

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openmined/synccore/internal/synctree"
)

// Quiet-time deltas, in deciseconds, matching the original sync engine's
// SCANNING_DELAY_DS / EXTRA_SCANNING_DELAY_DS constants: network
// filesystems get a longer grace period before the reconciler trusts a
// notification burst has settled.
const (
	LocalQuietDS   = 5
	NetworkQuietDS = 150

	// RetryBackoffDS defers the next reconciliation pass after a path hit
	// a transient filesystem error (locked file, sharing violation).
	RetryBackoffDS = 5
)

// Notification is one (node, relative path, timestamp) event pushed in by
// FsAccess. Timestamp 0 means "immediate" — the merged timestamp of two
// collapsed notifications is the max of the two, or 0 if either was
// immediate.
type Notification struct {
	RelPath   string
	Timestamp int64 // deciseconds; 0 means immediate
	IsNetwork bool
}

// Queue holds the fast-path "events" queue and the "retry" queue for
// entries that are currently locked or hit a transient filesystem error.
// Reconciler drains both; FsAccess and its watcher goroutine are the only
// producers.
type Queue struct {
	mu         sync.Mutex
	pending    map[string]Notification // collapsed by RelPath
	retry      map[string]Notification
	quietUntil int64 // decisecond watermark; reconciler defers scans until past this
	nowDS      func() int64
}

// New constructs an empty Queue. nowDS supplies the current time in
// deciseconds so tests can control it; production callers pass a wrapper
// around time.Now().
func New(nowDS func() int64) *Queue {
	return &Queue{
		pending: make(map[string]Notification),
		retry:   make(map[string]Notification),
		nowDS:   nowDS,
	}
}

// NowDS is the production clock, deciseconds since the unix epoch.
func NowDS() int64 {
	return time.Now().UnixNano() / int64(time.Second/10)
}

// Push enqueues a notification, collapsing it with any pending
// notification for the same path: the merged timestamp is the max of the
// two inputs, or 0 ("immediate") if either input was immediate. It also
// advances the quiet-time watermark to now + delta, where delta is larger
// for network-filesystem file notifications.
func (q *Queue) Push(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.pending[n.RelPath]; ok {
		n = mergeNotification(existing, n)
	}
	q.pending[n.RelPath] = n

	delta := int64(LocalQuietDS)
	if n.IsNetwork {
		delta = NetworkQuietDS
	}
	q.quietUntil = q.nowDS() + delta
}

// PushRetry re-enqueues a notification for a path that hit a transient
// filesystem error (locked file, sharing violation); the retry queue is
// drained together with the fast path on the next cycle.
func (q *Queue) PushRetry(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retry[n.RelPath] = n
	if wm := q.nowDS() + RetryBackoffDS; wm > q.quietUntil {
		q.quietUntil = wm
	}
}

func mergeNotification(existing, incoming Notification) Notification {
	merged := incoming
	if existing.Timestamp == 0 || incoming.Timestamp == 0 {
		merged.Timestamp = 0
	} else if existing.Timestamp > incoming.Timestamp {
		merged.Timestamp = existing.Timestamp
	}
	merged.IsNetwork = existing.IsNetwork || incoming.IsNetwork
	return merged
}

// QuietPassed reports whether the quiet-time watermark has elapsed, i.e.
// the reconciler may now trust that the notification burst has settled.
func (q *Queue) QuietPassed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nowDS() >= q.quietUntil
}

// Drain removes and returns every pending notification (both queues),
// resetting the queue to empty. Called once per reconciliation cycle.
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Notification, 0, len(q.pending)+len(q.retry))
	for _, n := range q.pending {
		out = append(out, n)
	}
	for _, n := range q.retry {
		out = append(out, n)
	}
	q.pending = make(map[string]Notification)
	q.retry = make(map[string]Notification)
	return out
}

// Apply walks from root along notification.RelPath and sets ScanAgain on
// the deepest resolved node: HereOnly if the whole path resolved to an
// existing node, or HereAndBelow on the deepest resolved ancestor if a
// residual path remained (the node itself doesn't exist in the tree yet).
func Apply(root *synctree.Node, notification Notification) {
	cur := root
	components := splitPath(notification.RelPath)

	for i, comp := range components {
		next, ok := cur.Children[comp]
		if !ok {
			cur.SetFutureScan(synctree.FlagHereAndBelow)
			return
		}
		cur = next
		if i == len(components)-1 {
			cur.SetFutureScan(synctree.FlagHereOnly)
			return
		}
	}

	// Empty relative path: the root itself changed.
	cur.SetFutureScan(synctree.FlagHereOnly)
}

func splitPath(relPath string) []string {
	relPath = strings.Trim(relPath, string(filepath.Separator))
	if relPath == "" {
		return nil
	}
	return strings.Split(relPath, string(filepath.Separator))
}
