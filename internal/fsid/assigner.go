// Package fsid implements the post-restart matching of cached SyncNodes
// to current filesystem entries by fingerprint and path-suffix similarity,
// so that moves and renames survive a client restart instead of looking
// like a delete followed by an unrelated create.
package fsid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openmined/synccore/internal/fingerprint"
	"github.com/openmined/synccore/internal/pathops"
	"github.com/openmined/synccore/internal/synctree"
)

// bucketCacheSize bounds the number of distinct light-fingerprint buckets
// held in memory during one assignment pass. A pathologically large tree
// full of same-sized, same-mtime files (sparse files, templated fixtures)
// could otherwise grow the bucket map without bound; evicted buckets are
// simply left unbound and fall back to the delete-or-recreate path on the
// next reconciliation, exactly as an unresolved FingerprintMismatch would.
const bucketCacheSize = 4096

// FsAccess is the subset of the filesystem boundary the assigner needs:
// walking the live tree and reading per-entry identity.
type FsAccess interface {
	Lstat(path string) (os.FileInfo, error)
	FsID(path string) (uint64, error)
}

type cachedPair struct {
	node *synctree.Node
	path string
}

type livePair struct {
	fsID uint64
	path string
}

// Result reports whether assignment succeeded and how many bindings it
// made, for lifecycle logging.
type Result struct {
	OK      bool
	Bound   int
	Skipped int
}

// Assign walks the cached SyncNode tree rooted at root and the live
// filesystem rooted at rootPath, rebinding node.FsID wherever a cached
// node and a live entry share a light fingerprint and their paths agree
// under pathops.ReverseMatchScore. It returns Result{OK: false} if
// rootPath is missing, not a directory, or a symlink — the three fatal
// conditions the lifecycle surfaces as RootMissing/RootNotAFolder/
// RootIsSymlink.
func Assign(ctx context.Context, root *synctree.Node, rootPath string, fa FsAccess, index *synctree.FsIDIndex) (Result, error) {
	info, err := fa.Lstat(rootPath)
	if err != nil {
		return Result{OK: false}, nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return Result{OK: false}, nil
	}
	if !info.IsDir() {
		return Result{OK: false}, nil
	}

	cacheBuckets, err := lru.New[fingerprint.Light, []cachedPair](bucketCacheSize)
	if err != nil {
		return Result{}, fmt.Errorf("fsid: alloc cache buckets: %w", err)
	}
	bucketCachedNode(root, cacheBuckets, index)

	liveBuckets := make(map[fingerprint.Light][]livePair)
	if err := walkLive(ctx, rootPath, fa, liveBuckets); err != nil {
		return Result{}, fmt.Errorf("fsid: walk live tree: %w", err)
	}

	result := Result{OK: true}
	for _, fp := range cacheBuckets.Keys() {
		cached, _ := cacheBuckets.Get(fp)
		live := liveBuckets[fp]
		if len(live) == 0 {
			continue
		}

		type candidate struct {
			score int
			c     cachedPair
			l     livePair
		}
		// Zero-score pairs (leaf name mismatch) are kept, not dropped:
		// they sort last and lose to any same-fingerprint pair that does
		// share a leaf name, but a lone candidate in a bucket is still
		// the only possible match and must bind. This is what lets a
		// pure rename survive a restart.
		var candidates []candidate
		for _, c := range cached {
			for _, l := range live {
				score := pathops.ReverseMatchScore(c.path, l.path, filepath.Separator)
				candidates = append(candidates, candidate{score, c, l})
			}
		}

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

		boundNode := make(map[*synctree.Node]bool)
		consumedFsID := make(map[uint64]bool)
		for _, cand := range candidates {
			if boundNode[cand.c.node] || consumedFsID[cand.l.fsID] {
				result.Skipped++
				continue
			}
			cand.c.node.SetFsID(cand.l.fsID, index)
			boundNode[cand.c.node] = true
			consumedFsID[cand.l.fsID] = true
			result.Bound++
		}

		delete(liveBuckets, fp)
	}

	return result, nil
}

// bucketCachedNode walks the cached tree post-order, computing each
// node's light fingerprint (folders fold their children's computed
// fingerprints), clearing its FsID and dropping it from the index, then
// bucketing it by fingerprint. The fold is order-independent, so the
// Children map's iteration order cannot perturb a folder's aggregate.
func bucketCachedNode(n *synctree.Node, buckets *lru.Cache[fingerprint.Light, []cachedPair], index *synctree.FsIDIndex) fingerprint.Light {
	var fp fingerprint.Light

	if n.Kind == synctree.KindFolder {
		for _, c := range n.Children {
			fp = fp.Combine(bucketCachedNode(c, buckets, index))
		}
	} else {
		fp = fingerprint.LightOf(n.Size, n.Mtime)
	}

	if n.FsID != synctree.UndefID {
		n.SetFsID(synctree.UndefID, index)
	}

	if !n.IsRoot() {
		existing, _ := buckets.Get(fp)
		existing = append(existing, cachedPair{node: n, path: n.FullPath(filepath.Separator)})
		buckets.Add(fp, existing)
	}

	return fp
}

// walkLive walks the live filesystem post-order, bucketing every file
// and every folder whose aggregated child fingerprint is well-defined by
// light fingerprint. The folder fold mirrors bucketCachedNode exactly,
// so a folder renamed across a restart lands in the same bucket as its
// cached node and keeps its identity.
func walkLive(ctx context.Context, rootPath string, fa FsAccess, buckets map[fingerprint.Light][]livePair) error {
	_, _, err := walkLiveDir(ctx, rootPath, fa, buckets)
	return err
}

// walkLiveDir returns the aggregate fingerprint of the directory at path
// and whether it is well-defined (every child stat succeeded). A folder
// with an ill-defined aggregate is not bucketed and poisons its
// ancestors' aggregates too; its files are still bucketed individually.
func walkLiveDir(ctx context.Context, path string, fa FsAccess, buckets map[fingerprint.Light][]livePair) (fingerprint.Light, bool, error) {
	if err := ctx.Err(); err != nil {
		return fingerprint.Light{}, false, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		// An unreadable directory is reported as ill-defined and its
		// entries stay unbucketed; the error is not returned.
		return fingerprint.Light{}, false, nil
	}

	var agg fingerprint.Light
	wellDefined := true

	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())

		if e.IsDir() {
			childAgg, childOK, err := walkLiveDir(ctx, childPath, fa, buckets)
			if err != nil {
				return fingerprint.Light{}, false, err
			}
			if !childOK {
				wellDefined = false
				continue
			}
			agg = agg.Combine(childAgg)
			if fsID, err := fa.FsID(childPath); err == nil && fsID != synctree.UndefID {
				buckets[childAgg] = append(buckets[childAgg], livePair{fsID: fsID, path: childPath})
			}
			continue
		}

		info, err := e.Info()
		if err != nil {
			wellDefined = false
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		fp := fingerprint.LightOf(info.Size(), info.ModTime().UnixNano())
		agg = agg.Combine(fp)
		fsID, err := fa.FsID(childPath)
		if err != nil {
			wellDefined = false
			continue
		}
		if fsID != synctree.UndefID {
			buckets[fp] = append(buckets[fp], livePair{fsID: fsID, path: childPath})
		}
	}

	return agg, wellDefined, nil
}
