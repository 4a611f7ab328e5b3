package fsaccess

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rjeczalik/notify"

	"github.com/openmined/synccore/internal/scanqueue"
)

// Watcher recursively watches one sync root and pushes collapsed change
// notifications into a scanqueue.Queue. It is a thin adaptation of the
// notify-based file watcher: instead of forwarding raw notify.EventInfo to
// a channel for a caller to interpret, it resolves each event straight to
// a scanqueue.Notification relative to the watched root.
type Watcher struct {
	rootPath  string
	isNetwork bool
	queue     *scanqueue.Queue
	events    chan notify.EventInfo
}

// NewWatcher constructs a Watcher over rootPath. isNetwork widens the
// quiet-time watermark the pushed notifications use (NetworkQuietDS
// instead of LocalQuietDS).
func NewWatcher(rootPath string, isNetwork bool, queue *scanqueue.Queue) *Watcher {
	return &Watcher{
		rootPath:  rootPath,
		isNetwork: isNetwork,
		queue:     queue,
		events:    make(chan notify.EventInfo, 64),
	}
}

// Start begins watching rootPath recursively until ctx is canceled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("fsaccess watcher start", "root", w.rootPath)

	recursivePath := filepath.Join(w.rootPath, "...")
	if err := notify.Watch(recursivePath, w.events, notify.All); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop unregisters the watch and closes the event channel.
func (w *Watcher) Stop() {
	notify.Stop(w.events)
	close(w.events)
	slog.Info("fsaccess watcher stop", "root", w.rootPath)
}

func (w *Watcher) handle(ev notify.EventInfo) {
	rel, err := filepath.Rel(w.rootPath, ev.Path())
	if err != nil || rel == "." {
		return
	}
	rel = strings.TrimPrefix(rel, string(filepath.Separator))

	w.queue.Push(scanqueue.Notification{
		RelPath:   rel,
		Timestamp: 0, // filesystem notifications are always trusted immediately
		IsNetwork: w.isNetwork,
	})
}
