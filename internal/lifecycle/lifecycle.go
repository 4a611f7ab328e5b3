// Package lifecycle implements the sync state machine (initial-scan,
// active, failed, canceled, disabled), the Store read/write boundary
// around SyncNode persistence, and orderly teardown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/openmined/synccore/internal/fingerprint"
	"github.com/openmined/synccore/internal/fsid"
	"github.com/openmined/synccore/internal/store"
	"github.com/openmined/synccore/internal/synctree"
)

// ErrorKind is one of the fatal or recoverable error kinds surfaced to
// Lifecycle rather than to individual reconciler rows.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrRootMissing
	ErrRootNotAFolder
	ErrRootIsSymlink
	ErrStoreWriteFail
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRootMissing:
		return "RootMissing"
	case ErrRootNotAFolder:
		return "RootNotAFolder"
	case ErrRootIsSymlink:
		return "RootIsSymlink"
	case ErrStoreWriteFail:
		return "StoreWriteFail"
	default:
		return "None"
	}
}

// StateChange is delivered to the owner's callback on every transition:
// (tag, state, errorCode).
type StateChange struct {
	Tag   string
	State synctree.State
	Error ErrorKind
}

// StateChangeFunc is the lifecycle owner's notification callback.
type StateChangeFunc func(StateChange)

// FsAccess is the subset of the filesystem boundary Lifecycle needs to
// validate the sync root before entering active.
type FsAccess interface {
	fsid.FsAccess
}

// Cloud is the subset of the outbound cloud boundary Lifecycle needs to
// cancel in-flight transfers on teardown.
type Cloud interface {
	CancelAll(tag string)
}

// Sync owns one Root's state machine, its Store handle and the shared
// fsid index entries it contributes.
type Sync struct {
	mu sync.Mutex

	Tag     string
	Root    *synctree.Root
	Index   *synctree.FsIDIndex
	FA      FsAccess
	Cloud   Cloud
	DB      *store.Store
	OnState StateChangeFunc

	errorCode ErrorKind
}

// New constructs a Sync in StateInitialScan, wrapping an already-built
// synctree.Root. db may be nil for syncs that have not opened their
// Store yet (tests, or a root still being validated).
func New(tag string, root *synctree.Root, index *synctree.FsIDIndex, fa FsAccess, cloud Cloud, db *store.Store, onState StateChangeFunc) *Sync {
	if onState == nil {
		onState = func(StateChange) {}
	}
	return &Sync{
		Tag:     tag,
		Root:    root,
		Index:   index,
		FA:      fa,
		Cloud:   cloud,
		DB:      db,
		OnState: onState,
	}
}

// changeState transitions Root.State, firing OnState only if the
// (state, errorCode) pair actually changed, matching Sync::changestate's
// dedup check in the original implementation.
func (s *Sync) changeState(newState synctree.State, newError ErrorKind) {
	s.mu.Lock()
	changed := s.Root.State != newState || s.errorCode != newError
	if changed {
		slog.Debug("lifecycle: state change", "tag", s.Tag, "from", s.Root.State, "to", newState, "error", newError)
		s.Root.State = newState
		s.errorCode = newError
	}
	s.mu.Unlock()

	if changed {
		s.OnState(StateChange{Tag: s.Tag, State: newState, Error: newError})
	}
}

// Start validates the sync root and transitions from initial-scan to
// active (or failed). On success it runs the fsid assigner once and
// schedules a full scan by setting ScanAgain=here-and-below on the root.
func (s *Sync) Start(ctx context.Context) error {
	rootPath := s.Root.Cfg.LocalPath

	result, err := fsid.Assign(ctx, s.Root.RootNode, rootPath, s.FA, s.Index)
	if err != nil {
		return fmt.Errorf("lifecycle: fsid assign for %s: %w", s.Tag, err)
	}
	if !result.OK {
		kind := classifyRootError(s.FA, rootPath)
		s.changeState(synctree.StateFailed, kind)
		return fmt.Errorf("lifecycle: sync root %s invalid (%s)", rootPath, kind)
	}

	slog.Info("lifecycle: fsid assignment complete", "tag", s.Tag, "bound", result.Bound, "skipped", result.Skipped)

	s.Root.RootNode.SetFutureScan(synctree.FlagHereAndBelow)
	s.Root.RootNode.SetFutureSync(synctree.FlagHereAndBelow)

	if err := s.commitInitial(ctx); err != nil {
		s.changeState(synctree.StateFailed, ErrStoreWriteFail)
		return err
	}

	s.changeState(synctree.StateActive, ErrNone)
	return nil
}

// commitInitial persists the rehydrated/initial root node so its dbId is
// known before the first reconciliation cycle can reference it as a
// parent. A root with dbId != 0 (already rehydrated from the Store) is
// left untouched.
func (s *Sync) commitInitial(ctx context.Context) error {
	if s.DB == nil || s.Root.RootNode.DBID != 0 {
		return nil
	}
	committer, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: begin initial commit for %s: %w", s.Tag, err)
	}
	id, err := committer.Insert(ctx, synctree.Serialize(s.Root.RootNode, 0))
	if err != nil {
		committer.Abort()
		_ = committer.Close()
		return fmt.Errorf("lifecycle: insert root row for %s: %w", s.Tag, err)
	}
	if err := committer.Close(); err != nil {
		return fmt.Errorf("lifecycle: commit initial row for %s: %w", s.Tag, err)
	}
	s.Root.RootNode.DBID = id
	return nil
}

// Rehydrate rebuilds the SyncNode tree from every row the Store
// currently holds, linking children to parents by dbId. Rows are
// committed parent-before-child, so a row whose parent hasn't been
// linked yet is deferred and re-tried, never dropped.
func Rehydrate(ctx context.Context, db *store.Store, cfg synctree.Config) (*synctree.Root, error) {
	rows, err := db.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load rows: %w", err)
	}

	root := synctree.NewSyncRoot(cfg)
	byDBID := map[uint32]*synctree.Node{0: root.RootNode}

	pending := rows
	for progressed := true; len(pending) > 0 && progressed; {
		progressed = false
		var next []store.Row

		for _, row := range pending {
			decoded, err := synctree.Deserialize(row.Data)
			if err != nil {
				return nil, fmt.Errorf("lifecycle: decode row %d: %w", row.ID, err)
			}
			if decoded.ParentDBID == 0 {
				// The root row: its dbId belongs to the root node built above.
				root.RootNode.DBID = row.ID
				byDBID[row.ID] = root.RootNode
				progressed = true
				continue
			}
			parent, ok := byDBID[decoded.ParentDBID]
			if !ok {
				next = append(next, row)
				continue
			}

			node := synctree.New(decoded.Kind, parent, decoded.LocalName, decoded.ShortName)
			node.DBID = row.ID
			node.FsID = decoded.FsID
			node.RemoteHandle = decoded.RemoteHandle
			node.SyncedRemoteHandle = decoded.SyncedHandle
			node.Size = decoded.Size
			node.Mtime = decoded.Mtime
			node.Fingerprint = fingerprintFromDecoded(decoded)

			byDBID[row.ID] = node
			progressed = true
		}

		pending = next
	}

	if len(pending) > 0 {
		return nil, fmt.Errorf("lifecycle: %d rows never found their parent (store corruption)", len(pending))
	}

	return root, nil
}

// Fail transitions to failed, canceling in-flight transfers and purging
// this sync's entries from the shared fsid index.
func (s *Sync) Fail(kind ErrorKind) {
	s.teardown()
	s.changeState(synctree.StateFailed, kind)
}

// Disable transitions to disabled with the same teardown duties as Fail.
func (s *Sync) Disable() {
	s.teardown()
	s.changeState(synctree.StateDisabled, ErrNone)
}

// Cancel transitions to canceled. Once canceled no further state-cache
// writes occur; additions and deletions are dropped silently rather than
// erroring, because the sync is shutting down intentionally rather than
// failing.
func (s *Sync) Cancel() {
	s.teardown()
	s.changeState(synctree.StateCanceled, ErrNone)
}

func (s *Sync) teardown() {
	if s.Cloud != nil {
		s.Cloud.CancelAll(s.Tag)
	}
	if s.Index != nil {
		s.Index.PurgeSync(s.Root.RootNode)
	}
}

// IsTerminal reports whether state accepts no further reconciliation.
func (s *Sync) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Root.State {
	case synctree.StateCanceled, synctree.StateFailed, synctree.StateDisabled:
		return true
	default:
		return false
	}
}

// AcceptsWrites reports whether the Store should record additions and
// deletions right now: false once canceled.
func (s *Sync) AcceptsWrites() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Root.State != synctree.StateCanceled
}

// classifyRootError distinguishes the three fatal root conditions
// (RootMissing, RootIsSymlink, RootNotAFolder) after fsid.Assign has
// already reported the root invalid.
func classifyRootError(fa FsAccess, rootPath string) ErrorKind {
	info, err := fa.Lstat(rootPath)
	if err != nil {
		return ErrRootMissing
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return ErrRootIsSymlink
	}
	if !info.IsDir() {
		return ErrRootNotAFolder
	}
	return ErrNone
}

// fingerprintFromDecoded rebuilds a node's Fingerprint from its persisted
// fields. The wire format only carries the CRC of full fingerprints;
// size and mtime are read back from the node's own columns.
func fingerprintFromDecoded(d *synctree.DecodedNode) fingerprint.Full {
	return fingerprint.Full{
		Light: fingerprint.Light{Size: d.Size, Mtime: d.Mtime},
		CRC:   d.CRC,
		Valid: true,
	}
}
