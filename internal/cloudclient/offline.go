package cloudclient

import (
	"context"
	"errors"
)

// ErrOffline is reported by the Offline client for every command.
var ErrOffline = errors.New("cloudclient: no transport configured")

// Offline is a Client for running the engine without a cloud transport:
// every command completes immediately with ErrOffline, so the reconciler
// keeps local bookkeeping (scans, fsid assignment, store persistence)
// alive while cloud-side actions stay queued as sync-again flags.
type Offline struct{}

func (Offline) Dispatch(ctx context.Context, cmd Command, onDone CompletionFunc) {
	onDone(Result{Cmd: cmd, Err: ErrOffline})
}
