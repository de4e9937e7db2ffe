package bwtree

import "sync/atomic"

// allocator is the bounded memory accountant behind spec §4.1. Go's
// runtime owns the actual bytes (there is no raw buffer to hand back, the
// way the teacher's buffer pool hands out slots of its pagePool array);
// what the allocator contributes is the cap and the epoch-deferred
// dealloc bookkeeping every page consolidation/eviction relies on.
type allocator struct {
	cap  uint64
	used atomic.Int64
	rec  *reclaimer
}

func newAllocator(cap uint64, rec *reclaimer) *allocator {
	return &allocator{cap: cap, rec: rec}
}

// reserve accounts size bytes against the cap. It fails with
// KindOutOfMemory if the cap would be exceeded; the caller (the page
// cache) is expected to run eviction and retry.
func (a *allocator) reserve(size uint32) error {
	if a.used.Add(int64(size)) > int64(a.cap) {
		a.used.Add(-int64(size))
		return errOutOfMemory("allocator cap reached")
	}
	return nil
}

// release returns size bytes to the cap immediately. Only the accounting
// moves: a page still held by an in-flight traversal stays alive until the
// Go runtime finds it unreferenced. releaseDeferred instead waits until no
// guard is active.
func (a *allocator) release(size uint32) {
	a.used.Add(-int64(size))
}

// releaseDeferred queues the release behind the epoch reclaimer so no
// live traversal can observe the freed accounting mid-use (spec §4.1
// "no live traversal dereferences a freed buffer").
func (a *allocator) releaseDeferred(size uint32) {
	a.rec.Defer(func() { a.release(size) })
}

func (a *allocator) usedBytes() int64 { return a.used.Load() }
