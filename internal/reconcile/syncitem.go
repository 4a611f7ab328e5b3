package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/openmined/synccore/internal/cloudclient"
	"github.com/openmined/synccore/internal/synctree"
)

// syncItem dispatches the per-row decision table for one non-conflict
// triplet row. parentRow is the row of the containing directory (its Sync
// side is the parent node new children bind into; its Cloud side supplies
// the remote parent handle for uploads and folder creation). It returns
// true when the row ended this visit fully settled — false requests
// another visit.
func (r *Reconciler) syncItem(ctx context.Context, row, parentRow *synctree.Row, fullPath string) bool {
	sn, fsn := row.Sync, row.Fs
	remote, hasCloud := row.Cloud.Get()
	parent := parentRow.Sync

	if sn != nil && fsn != nil {
		r.healFsID(sn, fsn)
	}

	switch {
	case sn == nil && fsn == nil && !hasCloud:
		// Unreachable by construction: pairChildren only emits a row when
		// at least one side named it.
		slog.Error("reconcile: empty triplet row", "row", row.Name)
		return true

	case sn == nil && fsn == nil && hasCloud:
		return r.cloudOnlyArrived(ctx, row, parent, remote, fullPath)

	case sn == nil && fsn != nil && !hasCloud:
		// New filesystem entry: create its sync node now, upload next pass.
		logRow(row, "create-from-fs")
		n := r.adoptFsEntry(parent, fsn)
		row.Sync = n
		n.SetFutureSync(synctree.FlagHereOnly)
		r.Cache.QueuePut(n)
		return false

	case sn == nil && fsn != nil && hasCloud:
		// Both sides exist but were never paired: bind them.
		logRow(row, "bind")
		n := r.adoptFsEntry(parent, fsn)
		row.Sync = n
		n.SetRemote(remote.Handle)
		r.Cache.QueuePut(n)
		if fsn.Size == remote.Size && fsn.Mtime == remote.Mtime {
			n.MarkSynced(remote.Handle)
			return true
		}
		n.SetFutureSync(synctree.FlagHereOnly)
		return false

	case sn != nil && fsn == nil && !hasCloud:
		// Both sides gone: soft-delete, remove after a second missed scan.
		sn.SetNotSeen(r.ScanSeq)
		if sn.ShouldRemove(r.ScanSeq) {
			logRow(row, "remove")
			r.removeNode(sn)
			return true
		}
		logRow(row, "not-seen")
		return false

	case sn != nil && fsn == nil && hasCloud:
		return r.localGone(ctx, row, sn, remote, fullPath)

	case sn != nil && fsn != nil && !hasCloud:
		return r.cloudGone(ctx, row, sn, fsn, parentRow, fullPath)

	default: // all three present
		return r.threeWay(ctx, row, sn, fsn, remote, parentRow, fullPath)
	}
}

// cloudOnlyArrived handles the (no sync, no fs, cloud) row: a brand new
// cloud entry. Folders are materialized locally right away; files are
// scheduled for download and get their sync node on completion.
func (r *Reconciler) cloudOnlyArrived(ctx context.Context, row *synctree.Row, parent *synctree.Node, remote *synctree.RemoteNode, fullPath string) bool {
	if remote.Kind == synctree.KindFolder {
		logRow(row, "mkdir-local")
		if err := r.FA.Mkdir(fullPath, false); err != nil && !errors.Is(err, os.ErrExist) {
			slog.Warn("reconcile: mkdir for cloud folder", "path", fullPath, "error", err)
			return false
		}
		n := synctree.New(synctree.KindFolder, parent, remote.DisplayName, "")
		n.MarkSynced(remote.Handle)
		if id, err := r.FA.FsID(fullPath); err == nil {
			n.SetFsID(id, r.Index)
		}
		n.SetFutureScan(synctree.FlagHereOnly)
		n.SetFutureSync(synctree.FlagHereOnly)
		r.Cache.QueuePut(n)
		return false
	}

	logRow(row, "download")
	handle := remote.Handle
	name := remote.DisplayName
	r.dispatch(ctx, parent, cloudclient.Command{
		Kind:         cloudclient.CmdDownload,
		LocalPath:    fullPath,
		RemoteHandle: handle,
	}, func(res cloudclient.Result) {
		n := synctree.New(synctree.KindFile, parent, name, "")
		n.Size = res.Size
		n.Mtime = res.Mtime
		n.MarkSynced(handle)
		if id, err := r.FA.FsID(fullPath); err == nil {
			n.SetFsID(id, r.Index)
		}
		r.Cache.QueuePut(n)
	})
	return false
}

// localGone handles the (sync, no fs, cloud) row. A previously-synced
// node whose local entry vanished means the user deleted it — unless its
// fsid turns out to identify a live entry elsewhere, in which case the
// destination row's move detection claims the node before the two-scan
// grace period here expires. A never-synced node with a cloud entry is a
// cloud arrival that raced a stale sync node: download into it.
func (r *Reconciler) localGone(ctx context.Context, row *synctree.Row, sn *synctree.Node, remote *synctree.RemoteNode, fullPath string) bool {
	if sn.SyncedRemoteHandle != synctree.RemoteHandle(synctree.UndefID) {
		sn.SetNotSeen(r.ScanSeq)
		if !sn.ShouldRemove(r.ScanSeq) {
			logRow(row, "local-deleted-wait")
			return false
		}
		logRow(row, "delete-cloud")
		r.dispatch(ctx, sn, cloudclient.Command{
			Kind:         cloudclient.CmdDeleteNode,
			RemoteHandle: remote.Handle,
		}, func(res cloudclient.Result) {
			r.removeNode(sn)
		})
		return false
	}

	if sn.Kind == synctree.KindFolder {
		logRow(row, "recreate-local-dir")
		if err := r.FA.Mkdir(fullPath, false); err != nil && !errors.Is(err, os.ErrExist) {
			slog.Warn("reconcile: recreate folder", "path", fullPath, "error", err)
			return false
		}
		sn.MarkSynced(remote.Handle)
		sn.SetFutureScan(synctree.FlagHereOnly)
		r.Cache.QueuePut(sn)
		return false
	}

	logRow(row, "download-into")
	handle := remote.Handle
	r.dispatch(ctx, sn, cloudclient.Command{
		Kind:         cloudclient.CmdDownload,
		LocalPath:    fullPath,
		RemoteHandle: handle,
	}, func(res cloudclient.Result) {
		sn.Size = res.Size
		sn.Mtime = res.Mtime
		sn.MarkSynced(handle)
		if id, err := r.FA.FsID(fullPath); err == nil {
			sn.SetFsID(id, r.Index)
		}
		r.Cache.QueuePut(sn)
	})
	return false
}

// cloudGone handles the (sync, fs, no cloud) row: either the cloud side
// deleted a previously-synced entry (local copy goes to debris) or the
// entry is new locally and has never been uploaded.
func (r *Reconciler) cloudGone(ctx context.Context, row *synctree.Row, sn *synctree.Node, fsn *synctree.FsNode, parentRow *synctree.Row, fullPath string) bool {
	if sn.SyncedRemoteHandle != synctree.RemoteHandle(synctree.UndefID) {
		// A missing cloud child only proves a cloud deletion when the
		// parent folder's cloud side was actually observed. Without it
		// (remote view unavailable, or the parent folder row itself is
		// handling its own disappearance) destroying local content would
		// act on absence of evidence.
		if !parentRow.Cloud.IsPresent() {
			logRow(row, "cloud-view-missing")
			return false
		}
		logRow(row, "debris")
		if err := r.Debris.Move(ctx, fullPath); err != nil {
			slog.Warn("reconcile: debris move", "path", fullPath, "error", err)
			return false
		}
		r.removeNode(sn)
		return false
	}

	if sn.Kind == synctree.KindFolder {
		logRow(row, "mkdir-cloud")
		parentHandle := cloudHandleOf(parentRow)
		name := sn.LocalName
		r.dispatch(ctx, sn, cloudclient.Command{
			Kind:      cloudclient.CmdPutNodesNewFolder,
			NewParent: parentHandle,
			NewName:   name,
		}, func(res cloudclient.Result) {
			sn.MarkSynced(res.Handle)
			r.Cache.QueuePut(sn)
		})
		return false
	}

	return r.startUpload(ctx, row, sn, fsn, fullPath)
}

// threeWay handles the fully-populated row. Agreeing fingerprints mean
// nothing to do; otherwise the side with the newer mtime wins and the
// loser's previous bytes go to debris (local) or version history (cloud,
// delegated to the cloud service itself).
func (r *Reconciler) threeWay(ctx context.Context, row *synctree.Row, sn *synctree.Node, fsn *synctree.FsNode, remote *synctree.RemoteNode, parentRow *synctree.Row, fullPath string) bool {
	localClean := fsn.Size == sn.Size && fsn.Mtime == sn.Mtime
	cloudClean := remote.Handle == sn.SyncedRemoteHandle

	if sn.Kind == synctree.KindFolder {
		// Folder content settles through recursion; the row itself only
		// needs the handle binding confirmed.
		sn.MarkSynced(remote.Handle)
		return true
	}

	if localClean && cloudClean {
		sn.MarkSynced(remote.Handle)
		return true
	}

	if fsn.Mtime >= remote.Mtime {
		return r.startUpload(ctx, row, sn, fsn, fullPath)
	}

	logRow(row, "download-newer")
	if err := r.Debris.Move(ctx, fullPath); err != nil {
		slog.Warn("reconcile: debris move before download", "path", fullPath, "error", err)
		return false
	}
	handle := remote.Handle
	r.dispatch(ctx, sn, cloudclient.Command{
		Kind:         cloudclient.CmdDownload,
		LocalPath:    fullPath,
		RemoteHandle: handle,
	}, func(res cloudclient.Result) {
		sn.Size = res.Size
		sn.Mtime = res.Mtime
		sn.MarkSynced(handle)
		if id, err := r.FA.FsID(fullPath); err == nil {
			sn.SetFsID(id, r.Index)
		}
		r.Cache.QueuePut(sn)
	})
	return false
}

// startUpload validates the file's full fingerprint (an upload must never
// start on an invalid fingerprint) and dispatches the upload command.
func (r *Reconciler) startUpload(ctx context.Context, row *synctree.Row, sn *synctree.Node, fsn *synctree.FsNode, fullPath string) bool {
	fp, err := r.Fingerprint(fullPath, fsn.Size, fsn.Mtime)
	if err != nil {
		slog.Warn("reconcile: fingerprint before upload", "path", fullPath, "error", err)
		return false
	}
	sn.Fingerprint = fp
	sn.Size = fsn.Size
	sn.Mtime = fsn.Mtime

	logRow(row, "upload")
	r.dispatch(ctx, sn, cloudclient.Command{
		Kind:      cloudclient.CmdUpload,
		LocalPath: fullPath,
	}, func(res cloudclient.Result) {
		sn.MarkSynced(res.Handle)
		r.Cache.QueuePut(sn)
	})
	return false
}

// dispatch wraps every outbound cloud command: mints a correlation id,
// marks n pending so the pre-pass pruning defers the subtree until the
// command completes, and re-raises SyncAgain on failure so the decision is
// re-evaluated with fresh state.
func (r *Reconciler) dispatch(ctx context.Context, n *synctree.Node, cmd cloudclient.Command, onDone func(cloudclient.Result)) {
	cmd.ID = uuid.NewString()
	if n != nil {
		r.markPending(n)
	}
	r.Cloud.Dispatch(ctx, cmd, func(res cloudclient.Result) {
		if n != nil {
			r.clearPending(n)
		}
		if res.Err != nil {
			slog.Warn("reconcile: cloud command failed", "kind", cmd.Kind, "id", cmd.ID, "error", res.Err)
			if n != nil {
				n.SetFutureSync(synctree.FlagHereOnly)
			}
			return
		}
		onDone(res)
	})
}

// healFsID restores a name-matched node's filesystem id when it was
// lost (a folder whose aggregate fingerprint was ill-defined during the
// post-restart assignment, a node rehydrated before its entry was ever
// scanned). Only an unclaimed id is adopted; an id already bound to
// another node belongs to move detection, not healing.
func (r *Reconciler) healFsID(sn *synctree.Node, fsn *synctree.FsNode) {
	if sn.FsID != synctree.UndefID || fsn.FsID == synctree.UndefID {
		return
	}
	if _, taken := r.Index.Lookup(fsn.FsID); taken {
		return
	}
	sn.SetFsID(fsn.FsID, r.Index)
}

// adoptFsEntry creates a sync node mirroring one freshly scanned
// filesystem entry, installing its fsid in the shared index.
func (r *Reconciler) adoptFsEntry(parent *synctree.Node, fsn *synctree.FsNode) *synctree.Node {
	n := synctree.New(fsn.Kind, parent, fsn.LocalName, fsn.ShortName)
	n.Size = fsn.Size
	n.Mtime = fsn.Mtime
	n.Fingerprint = fsn.Fingerprint
	if fsn.FsID != synctree.UndefID {
		n.SetFsID(fsn.FsID, r.Index)
	}
	return n
}

// removeNode destroys n and its subtree: children first, then the fsid
// index entry, the pending Store row deletion, and finally the unlink
// from its parent.
func (r *Reconciler) removeNode(n *synctree.Node) {
	for _, c := range n.Children {
		r.removeNode(c)
	}
	if n.FsID != synctree.UndefID {
		n.SetFsID(synctree.UndefID, r.Index)
	}
	if n.DBID != 0 {
		r.Cache.QueueDelete(n.DBID)
	}
	n.Detach()
}

// cloudHandleOf extracts the remote handle from a directory row's cloud
// side, UndefID when the directory has no cloud counterpart yet.
func cloudHandleOf(row *synctree.Row) synctree.RemoteHandle {
	if remote, ok := row.Cloud.Get(); ok {
		return remote.Handle
	}
	return synctree.RemoteHandle(synctree.UndefID)
}
