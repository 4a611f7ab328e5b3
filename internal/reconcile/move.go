package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/synctree"
)

// moveResult is maybeHandleMove's verdict for one row.
type moveResult int

const (
	// moveNone: not a move candidate; the normal decision table applies.
	moveNone moveResult = iota
	// moveDeferred: a move candidate still inside the file-update
	// debounce window; revisit later.
	moveDeferred
	// moveHandled: the row was reclassified as a move and its sync node
	// rebound; no debris move or delete+create happens.
	moveHandled
)

// maybeHandleMove runs before the decision table for every row. A row
// that looks like a fresh local create (fs present, sync absent) whose
// fsid already identifies a sync node elsewhere is a rename or move, not
// a delete+create pair: the existing node follows its file to the new
// name, and the cloud side sees a single moveNode command naming the
// prior remote handle.
//
// Cross-sync origins are accepted only through CrossSyncGate, which the
// engine wires to a same-filesystem-fingerprint check; an origin on a
// different mount can share an fsid by coincidence and must not be
// claimed.
func (r *Reconciler) maybeHandleMove(ctx context.Context, row, parentRow *synctree.Row, fullPath string) moveResult {
	fsn := row.Fs
	if fsn == nil || row.Sync != nil || fsn.FsID == synctree.UndefID {
		return moveNone
	}
	parent := parentRow.Sync
	if parent == nil {
		return moveNone
	}

	origin, ok := r.Index.Lookup(fsn.FsID)
	if !ok || origin == r.Root || origin.IsRoot() {
		return moveNone
	}
	if origin.Parent == parent && origin.LocalName == fsn.LocalName {
		// Same slot: the decision table's bind case will pick it up.
		return moveNone
	}
	if !nodeUnder(origin, r.Root) {
		if r.CrossSyncGate == nil || !r.CrossSyncGate(origin) {
			return moveNone
		}
	}

	if fsn.Kind == synctree.KindFile {
		switch r.debounceMoveCandidate(origin, fsn) {
		case debounceWait:
			return moveDeferred
		case debounceAbandon:
			return moveNone
		}
	}

	prior := origin.RemoteHandle
	newName := fsn.LocalName

	slog.Info("reconcile: move detected",
		"from", origin.FullPath(filepath.Separator),
		"to", newName,
		"fsid", fsn.FsID)

	origin.SetNameParent(parent, newName)
	origin.MarkSeen()
	origin.Size = fsn.Size
	origin.Mtime = fsn.Mtime
	origin.SetFsID(fsn.FsID, r.Index)
	origin.SetFutureSync(synctree.FlagHereOnly)
	row.Sync = origin
	r.Cache.QueuePut(origin)

	if prior != synctree.RemoteHandle(synctree.UndefID) {
		r.dispatch(ctx, origin, cloudclient.Command{
			Kind:         cloudclient.CmdMoveNode,
			RemoteHandle: prior,
			NewParent:    cloudHandleOf(parentRow),
			NewName:      newName,
		}, func(res cloudclient.Result) {
			origin.MarkSynced(prior)
		})
	}

	return moveHandled
}

type debounceVerdict int

const (
	debounceCommit debounceVerdict = iota
	debounceWait
	debounceAbandon
)

// debounceMoveCandidate applies the file-update stability check: when the
// origin path still exists on disk (the file is possibly mid-copy rather
// than moved), the move only commits once two observations at least
// FileUpdateDelayDS apart agree on size and mtime. Past FileUpdateMaxDS
// without stability the move is abandoned with a telemetry event and the
// row falls back to the ordinary create path.
func (r *Reconciler) debounceMoveCandidate(origin *synctree.Node, fsn *synctree.FsNode) debounceVerdict {
	originPath := filepath.Join(r.RootPath, origin.FullPath(filepath.Separator))
	info, err := r.FA.Lstat(originPath)
	if err != nil {
		// Origin really is gone: a clean move, no debounce needed.
		r.mu.Lock()
		delete(r.debounce, fsn.FsID)
		r.mu.Unlock()
		return debounceCommit
	}

	r.mu.Lock()
	st := r.debounce[fsn.FsID]
	if st == nil {
		st = &debounceState{}
		r.debounce[fsn.FsID] = st
	}
	r.mu.Unlock()

	stable, abandoned := st.observe(r.NowDS(), info.Size(), info.ModTime().UnixNano())
	if abandoned {
		r.mu.Lock()
		delete(r.debounce, fsn.FsID)
		r.mu.Unlock()
		r.Telemetry(EventFileUpdateAbandoned, map[string]any{
			"fsid": fsn.FsID,
			"path": originPath,
		})
		slog.Warn("reconcile: move candidate never stabilized", "path", originPath, "fsid", fsn.FsID)
		return debounceAbandon
	}
	if !stable {
		return debounceWait
	}

	r.mu.Lock()
	delete(r.debounce, fsn.FsID)
	r.mu.Unlock()
	return debounceCommit
}

// nodeUnder reports whether n lives in the tree rooted at root.
func nodeUnder(n, root *synctree.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}
