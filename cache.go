package bwtree

import (
	"bytes"
	"runtime"
	"sync/atomic"

	"github.com/bowtie-db/bwtree/storage/buffer"
)

// PageCache resolves a PID to its in-memory delta chain, pulling a
// consolidated base page in from the external store on a miss and
// evicting the coldest resident chain under memory pressure. Instead of a
// fixed pool of physical frames pinned by hash bucket, residency is
// indexed by PID through the page table, with storage/buffer.ClockPool
// standing in for the pin/clock-bit bookkeeping a frame-based buffer pool
// would carry per slot.
type PageCache struct {
	store     PageStore
	table     *pageTable
	pool      *buffer.ClockPool
	alloc     *allocator
	evictions atomic.Int64
}

func newPageCache(store PageStore, table *pageTable, alloc *allocator) *PageCache {
	return &PageCache{
		store: store,
		table: table,
		pool:  buffer.NewClockPool(),
		alloc: alloc,
	}
}

// Head resolves pid to its current chain head, pulling it in from the
// store on a miss. It returns the address the head was read under, for
// use in a subsequent compare-and-swap by the caller. A pin is taken on
// pid; the caller must Unpin when done traversing the chain.
func (c *PageCache) Head(pid PID) (*Page, *address, error) {
	for {
		a := c.table.load(pid)
		if a == nil {
			return nil, nil, errCorrupted("dangling page table slot", nil)
		}
		if isPending(a) {
			// a structural modification is in flight for pid; spin until
			// it publishes the new head (the eviction-blocking marker
			// doubles as an install-in-progress marker here).
			runtime.Gosched()
			continue
		}
		if a.node != nil {
			c.pool.Pin(uint64(pid))
			return a.node, a, nil
		}

		head, size, err := c.loadFromStore(a.handle)
		if err != nil {
			return nil, nil, err
		}
		if err := c.reserve(size); err != nil {
			return nil, nil, err
		}
		fresh := memAddress(head)
		if c.table.cas(pid, a, fresh) {
			c.pool.Track(uint64(pid))
			c.pool.Pin(uint64(pid))
			return head, fresh, nil
		}
		// another reader installed it first; back off and re-resolve.
		c.alloc.release(size)
	}
}

// Unpin releases the residency pin Head took on pid.
func (c *PageCache) Unpin(pid PID) {
	c.pool.Unpin(uint64(pid))
}

// Install publishes head as the very first chain for a freshly allocated
// pid (tree creation, or the new sibling born from a split).
func (c *PageCache) Install(pid PID, head *Page) error {
	if err := c.reserve(chainApproxSize(head)); err != nil {
		return err
	}
	c.table.install(pid, memAddress(head))
	c.pool.Track(uint64(pid))
	return nil
}

// CAS installs newHead in place of the chain read under oldAddr; every
// mutating operation publishes its result this way.
func (c *PageCache) CAS(pid PID, oldAddr *address, newHead *Page) bool {
	return c.table.cas(pid, oldAddr, memAddress(newHead))
}

// MarkPending swaps in the eviction-blocking sentinel ahead of a
// structural modification; the caller must follow up with CAS (pending,
// newHead) to publish the result, or with Unblock to restore oldAddr if
// the modification was abandoned.
func (c *PageCache) MarkPending(pid PID, oldAddr *address) bool {
	return c.table.cas(pid, oldAddr, pending)
}

func (c *PageCache) Unblock(pid PID, oldAddr *address) {
	c.table.install(pid, oldAddr)
}

func (c *PageCache) loadFromStore(h storeHandle) (*Page, uint32, error) {
	buf, err := c.store.Read(uint64(h))
	if err != nil {
		return nil, 0, errIO("page store read", err)
	}
	base, err := decodeBasePage(bytes.NewReader(buf))
	if err != nil {
		return nil, 0, errCorrupted("page decode", err)
	}
	var head *Page
	if base.Leaf {
		head = newBaseDataPage(base)
	} else {
		head = newBaseIndexPage(base)
	}
	return head, base.size(), nil
}

// reserve accounts size bytes, evicting resident chains until there is
// room or nothing left to evict.
func (c *PageCache) reserve(size uint32) error {
	for {
		if err := c.alloc.reserve(size); err == nil {
			return nil
		}
		if !c.evictOnce() {
			return errOutOfMemory("cache full and nothing evictable")
		}
	}
}

// evictOnce runs one CLOCK sweep, consolidates the victim's chain,
// flushes it to the store, and swings the page table entry over to a
// store handle. It returns false if no victim could be evicted (e.g.
// every resident chain is pinned).
func (c *PageCache) evictOnce() bool {
	for {
		pid, ok := c.pool.Victim()
		if !ok {
			return false
		}
		a := c.table.load(PID(pid))
		if a == nil || a.node == nil || isPending(a) {
			c.pool.Untrack(pid)
			continue
		}

		flat := consolidate(a.node)
		var buf bytes.Buffer
		if err := encodeBasePage(&buf, flat.Base); err != nil {
			errPrintf("bwtree: page cache eviction encode failed for pid %d: %v\n", pid, err)
			return false
		}
		handle, err := c.store.Write(buf.Bytes())
		if err != nil {
			errPrintf("bwtree: page cache eviction write failed for pid %d: %v\n", pid, err)
			return false
		}

		freed := chainApproxSize(a.node)
		if !c.table.cas(PID(pid), a, storeAddr(storeHandle(handle))) {
			// the chain mutated between victim selection and flush; drop
			// the now-stale store write and try the next victim instead
			// of clobbering a newer head.
			c.store.Free(handle)
			continue
		}
		c.pool.Untrack(pid)
		// The accounting is returned at once rather than deferred behind the
		// reclaimer: reserve runs this while the caller's own guard is open,
		// so a deferred release could never make room for it.
		c.alloc.release(freed)
		c.evictions.Add(1)
		return true
	}
}

// EvictionCount reports how many chains have been flushed to the store
// and evicted so far.
func (c *PageCache) EvictionCount() int64 {
	return c.evictions.Load()
}

// FlushAll evicts every currently resident chain, used by Tree.Close to
// make sure nothing is left only in memory before the store is closed.
func (c *PageCache) FlushAll() error {
	for c.pool.Len() > 0 {
		if !c.evictOnce() {
			return errIO("flush could not evict every resident page (some still pinned)", nil)
		}
	}
	return nil
}
