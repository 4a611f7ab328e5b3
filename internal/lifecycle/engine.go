package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/synccore/internal/reconcile"
	"github.com/openmined/synccore/internal/scanqueue"
	"github.com/openmined/synccore/internal/synctree"
)

// DefaultCycleInterval paces the reconciliation loop between cycles. The
// quiet-time watermark in the scan queue gates the actual work, so a
// short tick costs little when nothing changed.
const DefaultCycleInterval = 500 * time.Millisecond

// RemoteTreeFunc supplies the current cloud-side tree for the sync's
// remote root. Implemented by the cloud client owner; nil means the cloud
// view is unavailable this cycle and only local bookkeeping runs.
type RemoteTreeFunc func(ctx context.Context) (*synctree.RemoteNode, error)

// Watcher is the filesystem-notification source the engine runs alongside
// the reconciliation loop.
type Watcher interface {
	Start(ctx context.Context) error
	Stop()
}

// Engine drives one Sync: it drains the notification queue into scan
// flags, walks the tree with the reconciler, flushes the batched Store
// writes, and keeps the aggregate counters fresh. All SyncNode mutation
// happens on the engine's loop goroutine; the watcher and cloud callbacks
// only ever enqueue.
type Engine struct {
	Sync       *Sync
	Rec        *reconcile.Reconciler
	Queue      *scanqueue.Queue
	Watch      Watcher
	Commits    *CommitQueue
	RemoteTree RemoteTreeFunc
	Interval   time.Duration
}

// NewEngine wires an Engine around an already-constructed Sync and
// Reconciler.
func NewEngine(s *Sync, rec *reconcile.Reconciler, queue *scanqueue.Queue, watch Watcher, commits *CommitQueue, remoteTree RemoteTreeFunc) *Engine {
	return &Engine{
		Sync:       s,
		Rec:        rec,
		Queue:      queue,
		Watch:      watch,
		Commits:    commits,
		RemoteTree: remoteTree,
		Interval:   DefaultCycleInterval,
	}
}

// Run starts the sync (initial-scan to active), the watcher, and the
// reconciliation loop, blocking until ctx is canceled or the sync reaches
// a terminal state.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Sync.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if e.Watch != nil {
		g.Go(func() error {
			defer e.Watch.Stop()
			err := e.Watch.Start(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return e.loop(ctx)
	})

	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Sync.Cancel()
			return nil
		case <-ticker.C:
			if e.Sync.IsTerminal() {
				return nil
			}
			if !e.Queue.QuietPassed() {
				continue
			}
			e.cycle(ctx)
		}
	}
}

// cycle runs one full reconciliation pass: apply queued notifications,
// walk the tree, flush the Store batch, refresh counters.
func (e *Engine) cycle(ctx context.Context) {
	root := e.Sync.Root

	notifications := e.Queue.Drain()
	for _, n := range notifications {
		scanqueue.Apply(root.RootNode, n)
	}

	root.ScanSeqNo++
	e.Rec.ScanSeq = root.ScanSeqNo

	cloud := synctree.CloudAbsent
	if e.RemoteTree != nil {
		remote, err := e.RemoteTree(ctx)
		if err != nil {
			slog.Warn("engine: remote tree unavailable", "tag", e.Sync.Tag, "error", err)
		} else if remote != nil {
			cloud = synctree.CloudPresentValue(remote)
		}
	}

	row := &synctree.Row{Sync: root.RootNode, Cloud: cloud}
	tStart := time.Now()
	resolved, err := e.Rec.RecursiveSync(ctx, row, root.Cfg.LocalPath)
	if err != nil {
		slog.Error("engine: reconciliation pass failed", "tag", e.Sync.Tag, "error", err)
	}

	if err := e.Commits.Flush(ctx); err != nil {
		// Queue was restored by Flush; retried next cycle.
		slog.Error("engine: store commit failed", "tag", e.Sync.Tag, "error", err)
	}

	root.RefreshCounters()
	snap := root.Counters.Snapshot()

	if len(notifications) > 0 || !resolved {
		slog.Info("sync cycle",
			"tag", e.Sync.Tag,
			"resolved", resolved,
			"notifications", len(notifications),
			"files", humanize.Comma(snap.FileCount),
			"folders", humanize.Comma(snap.FolderCount),
			"localBytes", humanize.Bytes(uint64(snap.LocalBytes)),
			"took", time.Since(tStart),
		)
	}
}
