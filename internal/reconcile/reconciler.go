// Package reconcile implements the recursive triplet walker: for one
// directory it builds (cloud, sync, fs) rows, pairs them by name under a
// filesystem-specific comparator, and dispatches the per-row action named
// in the decision table — upload, download, delete, move, or create.
package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/fingerprint"
	"github.com/openmined/synccore/internal/synctree"
)

// scanRateLimitDS is the minimum gap, in deciseconds, between two
// directory scans of the same folder.
const scanRateLimitDS = 20

// FsAccess is the subset of the filesystem boundary the reconciler needs
// to scan a directory and identify its entries.
type FsAccess interface {
	ReadDir(path string) ([]fs.DirEntry, error)
	Lstat(path string) (os.FileInfo, error)
	FsID(path string) (uint64, error)
	FsFingerprint(path string) (uint64, error)
	ShortName(path string) (string, error)
	Mkdir(path string, recursive bool) error
}

// IgnoreMatcher filters entries out of reconciliation entirely (exclusion
// list, editor droppings). Paths are relative to the sync root.
type IgnoreMatcher interface {
	ShouldIgnore(relPath string) bool
}

// DebrisMover relocates a losing local file out of the synced tree.
// Reconciler calls it before overwriting or removing local content that
// lost a conflict or whose cloud counterpart vanished.
type DebrisMover interface {
	Move(ctx context.Context, localPath string) error
}

// StateCache is the subset of the Store boundary the reconciler needs:
// queuing a node for persistence (insert or update, decided by whether it
// already has a dbId) and queuing a row's dbId for deletion once its
// SyncNode is torn down. Writes are batched and committed by the
// lifecycle owner once per cycle.
type StateCache interface {
	QueuePut(n *synctree.Node)
	QueueDelete(dbID uint32)
}

// TelemetryFunc reports a named event, fired at most a handful of times
// per reconciliation cycle (currently only file-update abandonment).
type TelemetryFunc func(eventID int, fields map[string]any)

// Reconciler holds the dependencies one sync's recursive walk needs. It
// is not safe for concurrent use: there is exactly one reconciliation
// thread per sync, and two Reconcilers may run concurrently only if they
// never share a synctree.Node.
type Reconciler struct {
	FA            FsAccess
	Cloud         cloudclient.Client
	Index         *synctree.FsIDIndex
	Debris        DebrisMover
	Cache         StateCache
	CaseSensitive bool
	NowDS         func() int64
	Telemetry     TelemetryFunc
	FsFingerprint uint64 // this sync root's own mount fingerprint, for cross-sync move gating

	Root     *synctree.Node // this sync's root node, for move-origin ownership checks
	RootPath string         // absolute local path of the sync root
	Ignore   IgnoreMatcher  // nil means nothing is excluded
	ScanSeq  int64          // current scan sequence number, advanced by the engine per full pass

	// Fingerprint computes the full content fingerprint of a local file.
	// Overridable so tests can run against a fake filesystem.
	Fingerprint func(path string, size, mtime int64) (fingerprint.Full, error)

	// CrossSyncGate decides whether a move origin living outside Root may
	// still be treated as a move (only when both syncs share the same
	// filesystem fingerprint). nil forbids every cross-sync move.
	CrossSyncGate func(origin *synctree.Node) bool

	mu       sync.Mutex
	debounce map[uint64]*debounceState // keyed by the live fsid of the move candidate
	pending  map[*synctree.Node]bool   // nodes with a cloud command currently in flight
}

// New constructs a Reconciler. nowDS supplies deciseconds since the unix
// epoch so tests can control the debounce clock.
func New(fa FsAccess, cloud cloudclient.Client, index *synctree.FsIDIndex, debris DebrisMover, cache StateCache, caseSensitive bool, nowDS func() int64) *Reconciler {
	return &Reconciler{
		FA:            fa,
		Cloud:         cloud,
		Index:         index,
		Debris:        debris,
		Cache:         cache,
		CaseSensitive: caseSensitive,
		NowDS:         nowDS,
		Telemetry:     func(int, map[string]any) {},
		Fingerprint:   fingerprint.FullOfFile,
		debounce:      make(map[uint64]*debounceState),
		pending:       make(map[*synctree.Node]bool),
	}
}

// markPending/clearPending track which sync nodes currently have a cloud
// command in flight, so the pre-pass pruning step can defer a revisit
// instead of racing a second command onto the same row.
func (r *Reconciler) markPending(n *synctree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[n] = true
}

func (r *Reconciler) clearPending(n *synctree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, n)
}

func (r *Reconciler) isPending(n *synctree.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[n]
}

// RecursiveSync is the reconciler's entry point. row is the triplet for
// one directory (or, at the top, the sync root); fullPath is its
// absolute local path. It returns true if the subtree rooted at row
// ended this visit fully resolved (ScanAgain and SyncAgain both
// resolved), false if any part of it still wants another visit.
func (r *Reconciler) RecursiveSync(ctx context.Context, row *synctree.Row, fullPath string) (bool, error) {
	if row.Sync != nil {
		if row.Sync.ScanAgain == synctree.FlagResolved && row.Sync.SyncAgain == synctree.FlagResolved {
			return true, nil
		}
		if r.isPending(row.Sync) {
			return false, nil
		}
		row.Sync.PropagateHereAndBelow()
	}

	fsChildren, scanDeferred, err := r.buildFsChildren(row, fullPath)
	if err != nil {
		return false, fmt.Errorf("reconcile: build fs children of %s: %w", fullPath, err)
	}
	cloudChildren := r.buildCloudChildren(row)
	syncChildren := buildSyncChildren(row)

	rows := r.pairChildren(fsChildren, syncChildren, cloudChildren)

	allResolved := true
	// A conflict or debounce-deferred row exists only in the live fs
	// listing; the next visit must rescan this directory or the row
	// vanishes from pairing. A scan wanted but rate-limited likewise
	// stays owed.
	rescanNeeded := scanDeferred
	if scanDeferred {
		allResolved = false
	}
	for _, childRow := range rows {
		childPath := rowFullPath(childRow, fullPath)

		if childRow.Cloud.IsConflict() {
			allResolved = false
			rescanNeeded = true
			continue
		}

		moved := r.maybeHandleMove(ctx, childRow, row, childPath)
		if moved == moveDeferred {
			allResolved = false
			rescanNeeded = true
			continue
		}
		if moved == moveHandled {
			allResolved = false // moved row needs a future pass to settle debris/flags
			continue
		}

		settled := r.syncItem(ctx, childRow, row, childPath)
		if !settled {
			allResolved = false
		}

		recursable := childRow.Cloud.IsPresent() && childRow.Sync != nil && childRow.Fs != nil &&
			childRow.Sync.Kind == synctree.KindFolder
		if recursable {
			childResolved, err := r.RecursiveSync(ctx, childRow, childPath)
			if err != nil {
				return false, err
			}
			if !childResolved {
				allResolved = false
			}
		} else if childRow.Sync != nil {
			if settled {
				// Non-recursed rows (files, one-sided folders) have no
				// visit of their own to lower the flags propagation
				// raised on them; a settled row is done.
				childRow.Sync.ScanAgain = synctree.FlagResolved
				childRow.Sync.SyncAgain = synctree.FlagResolved
			} else if childRow.Sync.ScanAgain != synctree.FlagResolved || childRow.Sync.SyncAgain != synctree.FlagResolved {
				allResolved = false
			}
		}
	}

	if row.Sync != nil {
		if row.Sync.Kind == synctree.KindFolder {
			// A folder's fingerprint is the fold of its children's.
			row.Sync.Fingerprint = row.Sync.AggregateFingerprint()
		}
		row.Sync.ScanAgain = synctree.FlagResolved
		if rescanNeeded {
			row.Sync.SetFutureScan(synctree.FlagHereOnly)
		}
		if allResolved {
			row.Sync.SyncAgain = synctree.FlagResolved
		} else {
			row.Sync.SyncAgain = synctree.FlagHereOnly
		}
		return row.Sync.SyncAgain == synctree.FlagResolved, nil
	}
	return allResolved, nil
}

// buildFsChildren produces the fs side of the triplet rows: a fresh,
// non-recursive directory listing if scanAgain is here-only and the
// scan-rate-limit has elapsed, otherwise each child's cached
// KnownDetails snapshot. deferred reports a scan that was wanted but
// rate-limited, so the caller keeps the flag owed.
func (r *Reconciler) buildFsChildren(row *synctree.Row, fullPath string) (children []synctree.FsNode, deferred bool, err error) {
	if row.Sync == nil {
		return nil, false, nil
	}

	wantScan := row.Sync.ScanAgain == synctree.FlagHereOnly
	if !wantScan || r.NowDS()-row.Sync.LastScanTime < scanRateLimitDS {
		out := make([]synctree.FsNode, 0, len(row.Sync.Children))
		for _, c := range row.Sync.Children {
			out = append(out, c.KnownDetails())
		}
		return out, wantScan, nil
	}

	entries, err := r.FA.ReadDir(fullPath)
	if err != nil {
		return nil, false, err
	}

	out := make([]synctree.FsNode, 0, len(entries))
	for _, e := range entries {
		if e.Name() == debrisFolderName {
			continue
		}
		if r.shouldIgnore(filepath.Join(fullPath, e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		childPath := filepath.Join(fullPath, e.Name())
		fsID, err := r.FA.FsID(childPath)
		if err != nil {
			continue
		}
		short, _ := r.FA.ShortName(childPath)

		kind := synctree.KindFile
		if e.IsDir() {
			kind = synctree.KindFolder
		}

		fp := fingerprint.LightOf(info.Size(), info.ModTime().UnixNano())
		out = append(out, synctree.FsNode{
			LocalName:   e.Name(),
			DisplayName: e.Name(),
			Kind:        kind,
			FsID:        fsID,
			ShortName:   short,
			Size:        info.Size(),
			Mtime:       info.ModTime().UnixNano(),
			IsSymlink:   info.Mode()&os.ModeSymlink != 0,
			Fingerprint: fingerprint.Full{Light: fp, Valid: false},
		})
	}

	row.Sync.LastScanTime = r.NowDS()
	row.Sync.ScanAgain = synctree.FlagResolved
	row.Sync.SetFutureSync(synctree.FlagHereOnly)
	return out, false, nil
}

// buildCloudChildren filters row.Cloud's children to those alive,
// decrypted, with a displayable name, not excluded, and not the sync's
// own debris folder.
func (r *Reconciler) buildCloudChildren(row *synctree.Row) []*synctree.RemoteNode {
	remote, ok := row.Cloud.Get()
	if !ok {
		return nil
	}
	out := make([]*synctree.RemoteNode, 0, len(remote.Children))
	for _, c := range remote.Children {
		if !c.Alive || !c.Decrypted || c.DisplayName == "" {
			continue
		}
		if c.DisplayName == debrisFolderName {
			continue
		}
		if r.Ignore != nil && r.Ignore.ShouldIgnore(c.DisplayName) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// shouldIgnore applies the exclusion list to an absolute local path by
// rebasing it onto the sync root.
func (r *Reconciler) shouldIgnore(fullPath string) bool {
	if r.Ignore == nil {
		return false
	}
	rel := fullPath
	if r.RootPath != "" {
		if rebased, err := filepath.Rel(r.RootPath, fullPath); err == nil {
			rel = rebased
		}
	}
	return r.Ignore.ShouldIgnore(rel)
}

// debrisFolderName is the reserved leaf name under a sync root that the
// local debris mover writes to and the reconciler must never treat as an
// ordinary cloud or filesystem entry.
const debrisFolderName = ".synccore-debris"

func buildSyncChildren(row *synctree.Row) []*synctree.Node {
	if row.Sync == nil {
		return nil
	}
	out := make([]*synctree.Node, 0, len(row.Sync.Children))
	for _, c := range row.Sync.Children {
		out = append(out, c)
	}
	return out
}

// pairChildren builds one row per name in the union of the three child
// lists. Every list is indexed by its canonical name, the union of the
// keys is collected in a set, and the sorted union drives row assembly:
// a name with more than one fs entry becomes a conflict row, everything
// else gets whichever of the three sides named it.
func (r *Reconciler) pairChildren(fsChildren []synctree.FsNode, syncChildren []*synctree.Node, cloudChildren []*synctree.RemoteNode) []*synctree.Row {
	allNames := mapset.NewThreadUnsafeSet[string]()

	fsByName := make(map[string][]synctree.FsNode)
	for _, f := range fsChildren {
		key := canonicalKey(f.LocalName, r.CaseSensitive)
		fsByName[key] = append(fsByName[key], f)
		allNames.Add(key)
	}

	syncByName := make(map[string]*synctree.Node)
	for _, s := range syncChildren {
		key := canonicalKey(s.LocalName, r.CaseSensitive)
		syncByName[key] = s
		allNames.Add(key)
	}

	cloudByName := make(map[string]*synctree.RemoteNode)
	for _, c := range cloudChildren {
		key := canonicalKey(c.DisplayName, r.CaseSensitive)
		if _, dup := cloudByName[key]; !dup {
			cloudByName[key] = c
		}
		allNames.Add(key)
	}

	keys := allNames.ToSlice()
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j], r.CaseSensitive) < 0 })

	rows := make([]*synctree.Row, 0, len(keys))
	for _, key := range keys {
		row := &synctree.Row{}

		if fsNodes := fsByName[key]; len(fsNodes) > 1 {
			row.Name = fsNodes[0].LocalName
			row.Cloud = synctree.CloudConflict
		} else if len(fsNodes) == 1 {
			f := fsNodes[0]
			row.Fs = &f
			row.Name = f.LocalName
		}

		if s := syncByName[key]; s != nil {
			row.Sync = s
			if row.Name == "" {
				row.Name = s.LocalName
			}
		}

		if c := cloudByName[key]; c != nil && !row.Cloud.IsConflict() {
			row.Cloud = synctree.CloudPresentValue(c)
			if row.Name == "" {
				row.Name = c.DisplayName
			}
		}

		rows = append(rows, row)
	}
	return rows
}

func canonicalKey(name string, caseSensitive bool) string {
	if caseSensitive {
		return name
	}
	return lower(name)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// rowFullPath computes a row's full path: from the fs entry's name,
// else the sync node's name, else the cloud node's display name.
func rowFullPath(row *synctree.Row, parentPath string) string {
	switch {
	case row.Fs != nil:
		return filepath.Join(parentPath, row.Fs.LocalName)
	case row.Sync != nil:
		return filepath.Join(parentPath, row.Sync.LocalName)
	default:
		remote, _ := row.Cloud.Get()
		if remote != nil {
			return filepath.Join(parentPath, remote.DisplayName)
		}
		return filepath.Join(parentPath, row.Name)
	}
}

func logRow(row *synctree.Row, action string) {
	slog.Debug("reconcile", "row", row.Name, "action", action)
}
