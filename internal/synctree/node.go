// Package synctree implements the persistent, crash-recoverable node tree
// that mirrors the synced hierarchy: one SyncNode per entry, linked to its
// parent and children, carrying filesystem identity, remote handle,
// fingerprint and the scan/sync dirty flags the reconciler consumes.
package synctree

import (
	"strings"
	"sync"

	"github.com/openmined/synccore/internal/fingerprint"
)

// Kind distinguishes files from folders.
type Kind uint8

const (
	KindFile Kind = iota
	KindFolder
)

// UndefID is the sentinel meaning "no filesystem id" / "no remote handle".
const UndefID uint64 = 0

// ScanFlag and SyncFlag share the same three-level lattice: resolved <
// here-only < here-and-below. SetFutureScan/SetFutureSync only ever raise
// a node's flag, never lower it directly — lowering happens explicitly
// when the reconciler finishes a visit.
type Flag uint8

const (
	FlagResolved Flag = iota
	FlagHereOnly
	FlagHereAndBelow
)

// Max returns the higher of the two flags under the lattice order.
func (f Flag) Max(other Flag) Flag {
	if other > f {
		return other
	}
	return f
}

// RemoteHandle identifies a cloud-side entry. UndefID means "no cloud
// counterpart known".
type RemoteHandle uint64

// Node is one synced entry (file or folder). Parent is a non-owning
// back-reference: children own their Node, the tree never forms a cycle
// because New only ever binds a freshly constructed node into
// exactly one parent's Children map.
type Node struct {
	mu sync.Mutex

	Kind      Kind
	LocalName string // leaf component as it appears on the filesystem
	ShortName string // optional 8.3 / case-preserving alternate leaf

	Parent   *Node
	Children map[string]*Node // keyed by LocalName under the sync's comparator
	SChilren map[string]*Node // secondary lookup by ShortName

	FsID               uint64
	RemoteHandle       RemoteHandle
	SyncedRemoteHandle RemoteHandle // last remote handle confirmed in sync

	Size        int64
	Mtime       int64
	Fingerprint fingerprint.Full

	ScanAgain Flag
	SyncAgain Flag

	LastScanTime int64 // monotonic ds of last directory scan completion
	ScanSeqNo    int64 // not maintained; passes are counted by SyncRoot.ScanSeqNo

	DBID uint32 // Store row id, 0 if never persisted

	Deleted       bool // soft-delete marker
	NotSeen       bool // missing across the most recent scan
	LastSeenSeqNo int64
}

// New constructs a node and binds it into parent's Children map. The
// caller must hold no lock on parent; New takes it internally.
func New(kind Kind, parent *Node, localName, shortName string) *Node {
	n := &Node{
		Kind:      kind,
		LocalName: localName,
		ShortName: shortName,
		Parent:    parent,
	}
	if kind == KindFolder {
		n.Children = make(map[string]*Node)
		n.SChilren = make(map[string]*Node)
	}
	if parent != nil {
		parent.mu.Lock()
		parent.Children[localName] = n
		if shortName != "" {
			parent.SChilren[shortName] = n
		}
		parent.mu.Unlock()
	}
	return n
}

// NewRoot constructs the root folder node, which has no parent.
func NewRoot() *Node {
	return New(KindFolder, nil, "", "")
}

// IsRoot reports whether n is the tree root.
func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// SetFsID installs id in the fsid index, removing any prior mapping for n.
// The caller is expected to have already resolved any conflict where id
// maps to a different node with a matching fingerprint but a different
// path — SetFsID itself only maintains the bookkeeping, it does not
// arbitrate.
func (n *Node) SetFsID(id uint64, index *FsIDIndex) {
	n.mu.Lock()
	prior := n.FsID
	n.FsID = id
	n.mu.Unlock()

	if prior != UndefID {
		index.remove(prior, n)
	}
	if id != UndefID {
		index.put(id, n)
	}
}

// SetRemote binds n to a cloud node. syncedRemoteHandle is left untouched;
// callers confirm it separately via MarkSynced once the cloud client has
// acknowledged the operation.
func (n *Node) SetRemote(handle RemoteHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.RemoteHandle = handle
}

// MarkSynced confirms that handle is the last remote handle known to be in
// sync with this node's local content.
func (n *Node) MarkSynced(handle RemoteHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.RemoteHandle = handle
	n.SyncedRemoteHandle = handle
}

// SetFutureScan raises ScanAgain to at least flag under the lattice order.
func (n *Node) SetFutureScan(flag Flag) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ScanAgain = n.ScanAgain.Max(flag)
}

// SetFutureSync raises SyncAgain to at least flag under the lattice order.
func (n *Node) SetFutureSync(flag Flag) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.SyncAgain = n.SyncAgain.Max(flag)
}

// PropagateHereAndBelow demotes a HereAndBelow ScanAgain/SyncAgain on n to
// HereOnly and raises every child to at least HereAndBelow. This is the
// "dirty subtree" propagation the reconciler runs once per visit before
// building the triplet rows.
func (n *Node) PropagateHereAndBelow() {
	n.mu.Lock()
	scanDirty := n.ScanAgain == FlagHereAndBelow
	syncDirty := n.SyncAgain == FlagHereAndBelow
	if scanDirty {
		n.ScanAgain = FlagHereOnly
	}
	if syncDirty {
		n.SyncAgain = FlagHereOnly
	}
	children := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c)
	}
	n.mu.Unlock()

	if !scanDirty && !syncDirty {
		return
	}
	for _, c := range children {
		if scanDirty {
			c.SetFutureScan(FlagHereAndBelow)
		}
		if syncDirty {
			c.SetFutureSync(FlagHereAndBelow)
		}
	}
}

// SetNotSeen flags n as absent from the most recent scan without
// destroying it yet; it is removed once two consecutive scans have
// missed it (ScanSeqNo delta > 1).
func (n *Node) SetNotSeen(currentSeqNo int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.NotSeen = true
	if n.LastSeenSeqNo == 0 {
		n.LastSeenSeqNo = currentSeqNo
	}
}

// ShouldRemove reports whether n has been missed across enough
// consecutive scans (delta > 1) to be destroyed.
func (n *Node) ShouldRemove(currentSeqNo int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.NotSeen && currentSeqNo-n.LastSeenSeqNo > 1
}

// MarkSeen clears the not-seen marker on a successful match.
func (n *Node) MarkSeen() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.NotSeen = false
	n.LastSeenSeqNo = 0
}

// SetNameParent rebinds n under newParent with a new leaf name, used when
// the reconciler reclassifies a delete+create pair as a move. The caller
// must already hold newParent free of a colliding name.
func (n *Node) SetNameParent(newParent *Node, newName string) {
	oldParent := n.Parent
	if oldParent != nil {
		oldParent.mu.Lock()
		delete(oldParent.Children, n.LocalName)
		if n.ShortName != "" {
			delete(oldParent.SChilren, n.ShortName)
		}
		oldParent.mu.Unlock()
	}

	n.mu.Lock()
	n.LocalName = newName
	n.Parent = newParent
	n.mu.Unlock()

	newParent.mu.Lock()
	newParent.Children[newName] = n
	newParent.mu.Unlock()
}

// Detach unbinds n from its parent's children maps, leaving n itself
// intact. Used when a node is being destroyed after both sides vanished;
// the caller is responsible for index and Store cleanup.
func (n *Node) Detach() {
	p := n.Parent
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.Children[n.LocalName] == n {
		delete(p.Children, n.LocalName)
	}
	if n.ShortName != "" && p.SChilren[n.ShortName] == n {
		delete(p.SChilren, n.ShortName)
	}
	p.mu.Unlock()

	n.mu.Lock()
	n.Parent = nil
	n.Deleted = true
	n.mu.Unlock()
}

// FullPath reconstructs n's path from root using sep as the separator.
func (n *Node) FullPath(sep byte) string {
	var parts []string
	for cur := n; cur != nil && !cur.IsRoot(); cur = cur.Parent {
		parts = append(parts, cur.LocalName)
	}
	if len(parts) == 0 {
		return ""
	}
	// parts were collected leaf-to-root; reverse.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, string(sep))
}

// KnownDetails synthesises an FsNode snapshot from cached fields, used by
// the reconciler when ScanAgain is resolved and a live stat is unnecessary.
func (n *Node) KnownDetails() FsNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return FsNode{
		LocalName:   n.LocalName,
		ShortName:   n.ShortName,
		Kind:        n.Kind,
		FsID:        n.FsID,
		Size:        n.Size,
		Mtime:       n.Mtime,
		Fingerprint: n.Fingerprint,
	}
}

// AggregateFingerprint combines every child's fingerprint into a folder's
// fingerprint, order-independent by construction (fingerprint.Full.Combine
// is commutative).
func (n *Node) AggregateFingerprint() fingerprint.Full {
	n.mu.Lock()
	defer n.mu.Unlock()

	agg := fingerprint.Full{Valid: true}
	for _, c := range n.Children {
		agg = agg.Combine(c.Fingerprint)
	}
	return agg
}
