package synctree

import "github.com/openmined/synccore/internal/fingerprint"

// FsNode is the transient result of a directory scan: one entry as it
// currently exists on disk. It is never persisted — Node.KnownDetails
// synthesises an equivalent snapshot from cached fields when a fresh scan
// isn't required.
type FsNode struct {
	LocalName   string
	DisplayName string
	Kind        Kind
	FsID        uint64
	ShortName   string
	Size        int64
	Mtime       int64
	IsSymlink   bool
	Fingerprint fingerprint.Full
}

// RemoteNode is the cloud-side counterpart of a triplet row. Only the
// fields the reconciler needs to pair and dispatch are modeled here; the
// full remote metadata lives behind the cloud-client boundary.
type RemoteNode struct {
	Handle      RemoteHandle
	DisplayName string
	Kind        Kind
	Size        int64
	Mtime       int64
	ETag        string
	Alive       bool
	Decrypted   bool
	Children    []*RemoteNode
}

// CloudSlot is a tagged variant, not a nullable pointer with a magic
// value: a triplet row's cloud side is present, absent, or in conflict.
// Overloading nil to mean "name conflict" would make every caller that
// forgets the check silently mis-route a real absence.
type CloudSlot struct {
	kind  cloudSlotKind
	value *RemoteNode
}

type cloudSlotKind uint8

const (
	cloudAbsent cloudSlotKind = iota
	cloudPresent
	cloudConflict
)

// CloudAbsent is the zero CloudSlot: no cloud entry at this name.
var CloudAbsent = CloudSlot{kind: cloudAbsent}

// CloudConflict marks a row with multiple filesystem entries colliding
// under the target comparator.
var CloudConflict = CloudSlot{kind: cloudConflict}

// CloudPresentValue wraps a concrete remote node.
func CloudPresentValue(r *RemoteNode) CloudSlot {
	return CloudSlot{kind: cloudPresent, value: r}
}

func (c CloudSlot) IsAbsent() bool   { return c.kind == cloudAbsent }
func (c CloudSlot) IsConflict() bool { return c.kind == cloudConflict }
func (c CloudSlot) IsPresent() bool  { return c.kind == cloudPresent }

// Get returns the wrapped remote node and true when present.
func (c CloudSlot) Get() (*RemoteNode, bool) {
	if c.kind != cloudPresent {
		return nil, false
	}
	return c.value, true
}

// Row is a transient (cloud, sync, fs) triplet for one name during a
// single directory's reconciliation pass.
type Row struct {
	Name  string
	Cloud CloudSlot
	Sync  *Node
	Fs    *FsNode
}
