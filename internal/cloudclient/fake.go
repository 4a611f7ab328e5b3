package cloudclient

import (
	"context"
	"sync"

	"github.com/openmined/synccore/internal/synctree"
)

// Fake is an in-memory Client for reconcile's tests: every Dispatch call
// is recorded and completes synchronously (or is left pending for the
// test to complete manually via Finish), never touching real storage or
// network.
type Fake struct {
	mu       sync.Mutex
	nextID   uint64
	Calls    []Command
	pending  map[int]CompletionFunc
	AutoDone bool
}

// NewFake constructs a Fake. When autoDone is true, Dispatch invokes
// onDone immediately with a freshly minted handle; when false, the test
// must call Finish explicitly to simulate network latency.
func NewFake(autoDone bool) *Fake {
	return &Fake{
		pending:  make(map[int]CompletionFunc),
		AutoDone: autoDone,
		nextID:   1000,
	}
}

func (f *Fake) Dispatch(ctx context.Context, cmd Command, onDone CompletionFunc) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	idx := len(f.Calls) - 1
	f.mu.Unlock()

	if !f.AutoDone {
		f.mu.Lock()
		f.pending[idx] = onDone
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	f.nextID++
	handle := synctree.RemoteHandle(f.nextID)
	f.mu.Unlock()

	onDone(Result{Cmd: cmd, Handle: handle})
}

// Finish completes the call at idx (as recorded in Calls) with the given
// result, for tests that constructed the Fake with autoDone=false.
func (f *Fake) Finish(idx int, result Result) {
	f.mu.Lock()
	onDone, ok := f.pending[idx]
	delete(f.pending, idx)
	f.mu.Unlock()
	if ok {
		onDone(result)
	}
}

// PendingCount reports how many dispatched calls have not yet Finish'd.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
