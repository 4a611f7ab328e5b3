// Package cloudclient defines the outbound cloud API boundary
// (upload, download, new-folder, move and delete commands plus an
// asynchronous completion callback) and an in-memory fake used by
// reconcile's tests. The real transport (HTTP/blob upload, auth,
// retries) lives behind this boundary; callers wire a concrete
// implementation of Client themselves.
package cloudclient

import (
	"context"

	"github.com/openmined/synccore/internal/synctree"
)

// CommandKind identifies which outbound cloud command a Command
// carries. Command is a discriminated union keyed by this tag, never a
// dynamically type-asserted payload.
type CommandKind int

const (
	CmdUpload CommandKind = iota
	CmdDownload
	CmdPutNodesNewFolder
	CmdMoveNode
	CmdDeleteNode
)

// Command is one outbound cloud operation in flight for a row. ID
// correlates the command with its eventual Result across the async
// boundary; the reconciler mints one per dispatch. Only the fields
// relevant to Kind are populated.
type Command struct {
	ID           string
	Kind         CommandKind
	LocalPath    string
	RemoteHandle synctree.RemoteHandle
	NewParent    synctree.RemoteHandle
	NewName      string
}

// Result is delivered to the completion callback once a Command finishes,
// successfully or not.
type Result struct {
	Cmd    Command
	Handle synctree.RemoteHandle
	ETag   string
	Size   int64
	Mtime  int64
	Err    error
}

// CompletionFunc is invoked exactly once per dispatched Command, from an
// arbitrary goroutine. Only the reconciliation thread may touch a Node,
// so callbacks restrict themselves to node methods that take the node's
// own lock.
type CompletionFunc func(Result)

// Client is the outbound cloud API boundary. Every method returns as soon
// as the operation is accepted for execution; completion is reported
// later via the CompletionFunc passed to Dispatch.
type Client interface {
	Dispatch(ctx context.Context, cmd Command, onDone CompletionFunc)
}
