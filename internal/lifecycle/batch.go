package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/openmined/synccore/internal/synctree"
)

// CommitQueue batches SyncNode persistence across one reconciliation
// cycle and commits it in a single Store transaction. Additions are
// retried within the flush until every pending node has a parent with a
// committed dbId (parents inserted earlier in the same transaction
// count); nodes whose parent still lacks a dbId are carried to the next
// flush rather than dropped. Once the sync is canceled, queued writes are
// discarded silently.
type CommitQueue struct {
	mu      sync.Mutex
	owner   *Sync
	puts    []*synctree.Node
	deletes []uint32
}

// NewCommitQueue constructs an empty queue bound to owner's Store and
// state machine.
func NewCommitQueue(owner *Sync) *CommitQueue {
	return &CommitQueue{owner: owner}
}

// QueuePut schedules n for insert (dbId 0) or update on the next flush.
func (q *CommitQueue) QueuePut(n *synctree.Node) {
	if !q.owner.AcceptsWrites() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.puts {
		if existing == n {
			return
		}
	}
	q.puts = append(q.puts, n)
}

// QueueDelete schedules the row at dbID for deletion on the next flush.
func (q *CommitQueue) QueueDelete(dbID uint32) {
	if !q.owner.AcceptsWrites() || dbID == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletes = append(q.deletes, dbID)
}

// Pending reports how many puts and deletes are waiting, for tests and
// cycle logging.
func (q *CommitQueue) Pending() (puts, deletes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.puts), len(q.deletes)
}

// Flush commits everything queued in one transaction. On a write failure
// the transaction is aborted and the queue is restored, so the in-memory
// state is retained and the commit re-attempted on the next cycle. Nodes
// whose parent has no dbId even after every insert in this batch (their
// parent is itself still queued behind a missing ancestor) are carried
// over instead of failing.
func (q *CommitQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	puts := q.puts
	deletes := q.deletes
	q.puts, q.deletes = nil, nil
	q.mu.Unlock()

	if !q.owner.AcceptsWrites() || q.owner.DB == nil {
		return nil
	}
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	committer, err := q.owner.DB.Begin(ctx)
	if err != nil {
		q.requeue(puts, deletes)
		return fmt.Errorf("lifecycle: begin batch commit: %w", err)
	}

	// dbIds handed out inside an aborted transaction never hit disk; they
	// must be rolled back in memory too or the retry would Update a row
	// that does not exist.
	var inserted []*synctree.Node
	fail := func(opErr error) error {
		committer.Abort()
		_ = committer.Close()
		for _, n := range inserted {
			n.DBID = 0
		}
		q.requeue(puts, deletes)
		return opErr
	}

	pending := puts
	for progressed := true; len(pending) > 0 && progressed; {
		progressed = false
		var carry []*synctree.Node

		for _, n := range pending {
			if n.Deleted {
				progressed = true
				continue
			}
			var parentID uint32
			if n.Parent != nil {
				if n.Parent.DBID == 0 {
					carry = append(carry, n)
					continue
				}
				parentID = n.Parent.DBID
			}

			data := synctree.Serialize(n, parentID)
			if n.DBID == 0 {
				id, err := committer.Insert(ctx, data)
				if err != nil {
					return fail(fmt.Errorf("lifecycle: insert node %q: %w", n.LocalName, err))
				}
				n.DBID = id
				inserted = append(inserted, n)
			} else if err := committer.Update(ctx, n.DBID, data); err != nil {
				return fail(fmt.Errorf("lifecycle: update node %q: %w", n.LocalName, err))
			}
			progressed = true
		}

		pending = carry
	}

	for _, id := range deletes {
		if err := committer.Delete(ctx, id); err != nil {
			return fail(fmt.Errorf("lifecycle: delete row %d: %w", id, err))
		}
	}

	if err := committer.Close(); err != nil {
		for _, n := range inserted {
			n.DBID = 0
		}
		q.requeue(puts, deletes)
		return err
	}

	if len(pending) > 0 {
		q.mu.Lock()
		q.puts = append(pending, q.puts...)
		q.mu.Unlock()
	}
	return nil
}

func (q *CommitQueue) requeue(puts []*synctree.Node, deletes []uint32) {
	q.mu.Lock()
	q.puts = append(puts, q.puts...)
	q.deletes = append(deletes, q.deletes...)
	q.mu.Unlock()
}
