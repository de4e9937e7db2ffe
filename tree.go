package bwtree

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/bowtie-db/bwtree/interfaces"
)

// Tree is an open Bw-Tree table: the public façade over the page table,
// page cache, and epoch reclaimer, wrapping them into a latch-free,
// delta-chain tree keyed by (raw key, LSN), the same way a conventional
// tree-plus-buffer-manager pairing wraps its own page cache.
type Tree struct {
	opts  Options
	store PageStore
	table *pageTable
	cache *PageCache
	rec   *reclaimer
	alloc *allocator
	lsn   atomic.Uint64

	counts counters
}

// Open creates or recovers a table. A nil Options.Store installs a fresh
// in-memory store; a store implementing interfaces.CatalogStore (e.g.
// storage/diskstore.FileStore pointed at an existing file) is probed for
// a prior Close's bootstrap catalog, recovering every page that catalog
// names instead of starting over.
func Open(opts Options) (*Tree, error) {
	opts.fillDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = NewMemStore()
	}

	table := newPageTable(opts.PageTableCapacity)
	rec := newReclaimer()
	alloc := newAllocator(opts.CacheSize, rec)
	cache := newPageCache(store, table, alloc)

	t := &Tree{opts: opts, store: store, table: table, cache: cache, rec: rec, alloc: alloc}
	t.lsn.Store(1)

	restored, err := t.tryRestore()
	if err != nil {
		return nil, err
	}
	if !restored {
		root := newBaseDataPage(&BasePage{Leaf: true})
		if err := cache.Install(rootPID, root); err != nil {
			return nil, err
		}
		table.frontier.Store(uint64(firstFreePID))
	}
	return t, nil
}

// Close flushes every resident chain to the store, persists a catalog of
// every page's store handle when the store supports it, and closes the
// store. The teacher's analogue is BufMgr.Close's PoolAudit-then-flush
// sequence paired with serializePageIdMappingToPage.
func (t *Tree) Close() error {
	if err := t.cache.FlushAll(); err != nil {
		return err
	}
	if cs, ok := t.store.(interfaces.CatalogStore); ok {
		blob := encodeCatalog(t.collectResidentHandles())
		handle, err := t.store.Write(blob)
		if err != nil {
			return errIO("catalog blob write", err)
		}
		if err := cs.WriteCatalog(handle); err != nil {
			return errIO("catalog write", err)
		}
	}
	return t.store.Close()
}

func (t *Tree) tryRestore() (bool, error) {
	cs, ok := t.store.(interfaces.CatalogStore)
	if !ok {
		return false, nil
	}
	handle, ok, err := cs.ReadCatalog()
	if err != nil {
		return false, errIO("catalog read", err)
	}
	if !ok {
		return false, nil
	}
	buf, err := t.store.Read(handle)
	if err != nil {
		return false, errIO("catalog blob read", err)
	}
	pairs, err := decodeCatalog(buf)
	if err != nil {
		return false, errCorrupted("catalog decode", err)
	}
	var maxPID PID
	var maxLSN LSN
	for _, pr := range pairs {
		t.table.install(pr.pid, storeAddr(storeHandle(pr.handle)))
		if pr.pid > maxPID {
			maxPID = pr.pid
		}
		// The catalog holds no LSN, so the counter is recovered from the
		// highest LSN stored on any page.
		head, _, err := t.cache.loadFromStore(storeHandle(pr.handle))
		if err != nil {
			return false, err
		}
		for _, e := range head.Base.Entries {
			if e.LSN > maxLSN {
				maxLSN = e.LSN
			}
		}
	}
	t.table.frontier.Store(uint64(maxPID) + 1)
	t.bumpLSN(maxLSN)
	return true, nil
}

type catalogPair struct {
	pid    PID
	handle uint64
}

func (t *Tree) collectResidentHandles() []catalogPair {
	var out []catalogPair
	frontier := PID(t.table.frontier.Load())
	for pid := rootPID; pid < frontier; pid++ {
		a := t.table.load(pid)
		if a != nil && a.inStore {
			out = append(out, catalogPair{pid: pid, handle: uint64(a.handle)})
		}
	}
	return out
}

func encodeCatalog(pairs []catalogPair) []byte {
	buf := make([]byte, 8, 8+len(pairs)*16)
	binary.LittleEndian.PutUint64(buf, uint64(len(pairs)))
	var tmp [8]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(tmp[:], uint64(p.pid))
		buf = append(buf, tmp[:]...)
		binary.LittleEndian.PutUint64(tmp[:], p.handle)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeCatalog(buf []byte) ([]catalogPair, error) {
	if len(buf) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint64(buf)
	buf = buf[8:]
	pairs := make([]catalogPair, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(buf) < 16 {
			return nil, io.ErrUnexpectedEOF
		}
		pid := PID(binary.LittleEndian.Uint64(buf))
		handle := binary.LittleEndian.Uint64(buf[8:])
		pairs = append(pairs, catalogPair{pid: pid, handle: handle})
		buf = buf[16:]
	}
	return pairs, nil
}

// bumpLSN advances the table's internal monotonic counter to at least lsn,
// so a subsequent auto-assigned Put/Delete LSN never collides with one a
// caller already published via PutAt/DeleteAt (spec §3 "LSNs are globally
// monotonic").
func (t *Tree) bumpLSN(lsn LSN) {
	for {
		cur := t.lsn.Load()
		if cur >= uint64(lsn) {
			return
		}
		if t.lsn.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// Get looks up key at the table's current LSN.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return t.GetAt(key, LSN(t.lsn.Load()))
}

// GetAt looks up the version of key visible at lsn, supporting the
// historical reads spec §3's (raw_key, lsn) key model exists for.
func (t *Tree) GetAt(key []byte, lsn LSN) ([]byte, bool, error) {
	t.counts.gets.Add(1)
	guard := t.rec.Enter()
	defer guard.Exit()

	pid := rootPID
	for {
		head, _, err := t.cache.Head(pid)
		if err != nil {
			return nil, false, err
		}
		if chainIsLeaf(head) {
			e, found, redirected, redirectTo := chainLookup(head, key, lsn)
			t.cache.Unpin(pid)
			if redirected {
				pid = redirectTo
				continue
			}
			if !found || e.Tombstone {
				return nil, false, nil
			}
			return e.Value, true, nil
		}
		child, redirected, redirectTo := chainChildFor(head, key)
		t.cache.Unpin(pid)
		if redirected {
			pid = redirectTo
			continue
		}
		pid = child
	}
}

// Put inserts or overwrites key with value, tagged with a fresh LSN drawn
// from the table's internal monotonic counter.
func (t *Tree) Put(key, value []byte) error {
	return t.PutAt(key, LSN(t.lsn.Add(1)), value)
}

// PutAt is spec §6's `put(key, lsn, value)`: the caller supplies the LSN a
// read at or past it must observe. lsn need not already be the table's
// maximum — it only has to exceed every version of key visible to any read
// the caller cares about — but the table's own auto-assigned counter (used
// by Put) is bumped to stay past it, so a later Put never reuses an LSN a
// caller has already published through PutAt.
func (t *Tree) PutAt(key []byte, lsn LSN, value []byte) error {
	t.counts.puts.Add(1)
	t.bumpLSN(lsn)
	guard := t.rec.Enter()
	defer guard.Exit()

	pid := rootPID
	for {
		head, addr, err := t.cache.Head(pid)
		if err != nil {
			return err
		}
		if chainIsLeaf(head) {
			if _, _, redirected, redirectTo := chainLookup(head, key, lsn); redirected {
				t.cache.Unpin(pid)
				pid = redirectTo
				continue
			}
			delta := &Page{Kind: kindDeltaPut, Put: &PutDelta{
				Key:   append([]byte(nil), key...),
				LSN:   lsn,
				Value: append([]byte(nil), value...),
			}}
			newHead := prepend(delta, head)
			if !t.cache.CAS(pid, addr, newHead) {
				t.cache.Unpin(pid)
				continue
			}
			t.cache.Unpin(pid)
			t.maybeConsolidateAndSplit(pid)
			return nil
		}
		child, redirected, redirectTo := chainChildFor(head, key)
		t.cache.Unpin(pid)
		if redirected {
			pid = redirectTo
			continue
		}
		pid = child
	}
}

// Delete tags key with a tombstone at a fresh LSN drawn from the table's
// internal monotonic counter, and runs the merge check, should the node
// have shrunk below its low-water mark.
func (t *Tree) Delete(key []byte) error {
	return t.DeleteAt(key, LSN(t.lsn.Add(1)))
}

// DeleteAt is spec §6's `delete(key, lsn)`: the caller-supplied-LSN
// counterpart of Delete, following PutAt's LSN-bump contract.
func (t *Tree) DeleteAt(key []byte, lsn LSN) error {
	t.counts.deletes.Add(1)
	t.bumpLSN(lsn)
	guard := t.rec.Enter()
	defer guard.Exit()

	pid := rootPID
	for {
		head, addr, err := t.cache.Head(pid)
		if err != nil {
			return err
		}
		if chainIsLeaf(head) {
			if _, _, redirected, redirectTo := chainLookup(head, key, lsn); redirected {
				t.cache.Unpin(pid)
				pid = redirectTo
				continue
			}
			delta := &Page{Kind: kindDeltaDelete, Delete: &DeleteDelta{
				Key: append([]byte(nil), key...),
				LSN: lsn,
			}}
			newHead := prepend(delta, head)
			if !t.cache.CAS(pid, addr, newHead) {
				t.cache.Unpin(pid)
				continue
			}
			t.cache.Unpin(pid)
			t.maybeConsolidateAndSplit(pid)
			t.maybeMerge(pid)
			return nil
		}
		child, redirected, redirectTo := chainChildFor(head, key)
		t.cache.Unpin(pid)
		if redirected {
			pid = redirectTo
			continue
		}
		pid = child
	}
}

func (t *Tree) thresholdFor(head *Page) uint8 {
	if chainIsLeaf(head) {
		return t.opts.DataDeltaLength
	}
	return t.opts.IndexDeltaLength
}

func (t *Tree) sizeThresholdFor(head *Page) uint32 {
	if chainIsLeaf(head) {
		return t.opts.DataNodeSize
	}
	return t.opts.IndexNodeSize
}

// maybeConsolidateAndSplit runs the background structural maintenance
// spec §4.5 describes: flatten an overlong chain, and split a node whose
// consolidated content has outgrown its size budget. Posting the split
// delta and recursing into the parent mirrors the teacher's splitPage /
// splitKeys pairing in bltree.go, translated from in-place page mutation
// under a latch to delta posting under a page-table CAS.
func (t *Tree) maybeConsolidateAndSplit(pid PID) {
	head, addr, err := t.cache.Head(pid)
	if err != nil {
		return
	}
	chainLong := needsConsolidate(head, t.thresholdFor(head))
	size := chainApproxSize(head)
	tooBig := needsSplit(size, t.sizeThresholdFor(head))
	if !chainLong && !tooBig {
		t.cache.Unpin(pid)
		return
	}
	if !t.cache.MarkPending(pid, addr) {
		t.cache.Unpin(pid)
		return
	}

	flat := consolidate(head)
	t.counts.consolidations.Add(1)
	if !tooBig {
		if !t.cache.CAS(pid, pending, flat) {
			t.cache.Unblock(pid, addr)
		}
		t.cache.Unpin(pid)
		return
	}

	if err := t.split(pid, flat); err != nil {
		errPrintf("bwtree: split of pid %d failed: %v\n", uint64(pid), err)
		t.cache.Unblock(pid, addr)
	}
	t.cache.Unpin(pid)
}

func (t *Tree) split(pid PID, consolidated *Page) error {
	leaf := consolidated.Base.Leaf
	var left, right *BasePage
	var separator []byte
	if leaf {
		left, right, separator = splitLeaf(consolidated.Base)
	} else {
		left, right, separator = splitIndex(consolidated.Base)
	}
	if right == nil {
		// Every entry shares a single key (e.g. one hot key put/deleted
		// across many LSNs): there is no distinct-key boundary to split
		// on. Publish the consolidated page as-is and skip the split.
		if !t.cache.CAS(pid, pending, consolidated) {
			return errCorrupted("split publish race", nil)
		}
		return nil
	}

	rightPID, err := t.table.allocPID()
	if err != nil {
		return err
	}
	var leftHead, rightHead *Page
	if leaf {
		leftHead = newBaseDataPage(left)
		rightHead = newBaseDataPage(right)
	} else {
		leftHead = newBaseIndexPage(left)
		rightHead = newBaseIndexPage(right)
	}
	if err := t.cache.Install(rightPID, rightHead); err != nil {
		t.table.freePID(rightPID)
		return err
	}

	splitDelta := &Page{Kind: kindDeltaSplit, Split: &SplitDelta{SeparatorKey: separator, RightPID: rightPID}}
	newLeftHead := prepend(splitDelta, leftHead)
	if !t.cache.CAS(pid, pending, newLeftHead) {
		t.table.freePID(rightPID)
		return errCorrupted("split publish race", nil)
	}
	t.counts.splits.Add(1)

	// The split delta is published, so the right half stays reachable
	// through its redirect even if the parent update fails; that failure is
	// logged, not returned, because the caller unblocks pid on error.
	var perr error
	if pid == rootPID {
		perr = t.installNewRoot(rightPID, separator)
	} else {
		perr = t.postIndexInsert(separator, pid, rightPID)
	}
	if perr != nil {
		errPrintf("bwtree: parent update after split of pid %d failed: %v\n", uint64(pid), perr)
	}
	return nil
}

// installNewRoot relocates the root's just-published content to a fresh
// PID and replaces rootPID's content with a two-child index page, the
// way the teacher's splitRoot grows the tree by one level while keeping
// the root page's identity fixed.
func (t *Tree) installNewRoot(rightPID PID, separator []byte) error {
	oldContentPID, err := t.table.allocPID()
	if err != nil {
		return err
	}
	curHead, curAddr, err := t.cache.Head(rootPID)
	if err != nil {
		return err
	}
	if err := t.cache.Install(oldContentPID, curHead); err != nil {
		t.cache.Unpin(rootPID)
		t.table.freePID(oldContentPID)
		return err
	}

	newRootBase := &BasePage{
		Leaf: false,
		Entries: []entry{
			{Key: nil, Child: oldContentPID},
			{Key: append([]byte(nil), separator...), Child: rightPID},
		},
	}
	ok := t.cache.CAS(rootPID, curAddr, newBaseIndexPage(newRootBase))
	t.cache.Unpin(rootPID)
	if !ok {
		return errCorrupted("root replacement publish race", nil)
	}
	return nil
}

// findParent descends from the root searching for the index node whose
// child pointer currently resolves to targetPID, following key. The
// caller must Unpin the returned parent PID once done with its head.
func (t *Tree) findParent(key []byte, targetPID PID) (PID, *Page, *address, error) {
	pid := rootPID
	for {
		head, addr, err := t.cache.Head(pid)
		if err != nil {
			return 0, nil, nil, err
		}
		if chainIsLeaf(head) {
			t.cache.Unpin(pid)
			return 0, nil, nil, errCorrupted("parent search reached a leaf without finding target", nil)
		}
		child, redirected, redirectTo := chainChildFor(head, key)
		if redirected {
			t.cache.Unpin(pid)
			pid = redirectTo
			continue
		}
		if child == targetPID {
			return pid, head, addr, nil
		}
		t.cache.Unpin(pid)
		pid = child
	}
}

func (t *Tree) postIndexInsert(separator []byte, childPID, newChildPID PID) error {
	parentPID, parentHead, parentAddr, err := t.findParent(separator, childPID)
	if err != nil {
		return err
	}
	delta := &Page{Kind: kindDeltaIndexInsert, IndexInsert: &IndexInsertDelta{
		SeparatorKey: separator,
		Child:        newChildPID,
	}}
	newHead := prepend(delta, parentHead)
	ok := t.cache.CAS(parentPID, parentAddr, newHead)
	t.cache.Unpin(parentPID)
	if !ok {
		return errCorrupted("index insert publish race", nil)
	}
	t.maybeConsolidateAndSplit(parentPID)
	return nil
}

func (t *Tree) postIndexDelete(separator []byte, childPID PID) error {
	parentPID, parentHead, parentAddr, err := t.findParent(separator, childPID)
	if err != nil {
		return err
	}
	delta := &Page{Kind: kindDeltaIndexDelete, IndexDelete: &IndexDeleteDelta{SeparatorKey: separator}}
	newHead := prepend(delta, parentHead)
	ok := t.cache.CAS(parentPID, parentAddr, newHead)
	t.cache.Unpin(parentPID)
	if !ok {
		return errCorrupted("index delete publish race", nil)
	}
	t.rec.Defer(func() { t.table.freePID(childPID) })
	return nil
}

// maybeMerge absorbs pid's right sibling into pid once pid's consolidated
// content has shrunk below its low-water mark (spec §9's merge/remove
// resolution). Unlike splits, which grow the tree outward from a single
// node, a merge touches three nodes (pid, its right sibling, and their
// shared parent); each publishes independently, with the parent's
// IndexDeleteDelta posted last. A reader that reaches the sibling through
// the parent in between finds its RemoveNodeDelta and redirects to pid.
func (t *Tree) maybeMerge(pid PID) {
	head, addr, err := t.cache.Head(pid)
	if err != nil {
		return
	}
	size := liveApproxSize(head)
	if !tooSmallToStandAlone(size, t.sizeThresholdFor(head)) {
		t.cache.Unpin(pid)
		return
	}
	// The current right sibling may only be named by an as-yet-uncollapsed
	// split delta further up the chain, not by the tail base page's own
	// (possibly stale) Right field, so this folds the chain the same way
	// consolidate does rather than reading chainTail(head).Base.Right.
	rightPID := consolidateLeaf(head).Right
	if rightPID == nullPID {
		t.cache.Unpin(pid)
		return
	}
	if !t.cache.MarkPending(pid, addr) {
		t.cache.Unpin(pid)
		return
	}

	rightHead, rightAddr, err := t.cache.Head(rightPID)
	if err != nil {
		t.cache.Unblock(pid, addr)
		t.cache.Unpin(pid)
		return
	}
	if !t.cache.MarkPending(rightPID, rightAddr) {
		t.cache.Unblock(pid, addr)
		t.cache.Unpin(pid)
		t.cache.Unpin(rightPID)
		return
	}

	leftFlat := consolidate(head)
	rightFlat := consolidate(rightHead)
	separator := append([]byte(nil), rightFlat.Base.Lower...)

	merge := &Page{Kind: kindDeltaMerge, Merge: &MergeDelta{
		SeparatorKey:  separator,
		AbsorbedPID:   rightPID,
		AbsorbedRight: rightFlat.Base,
	}}
	newLeftHead := prepend(merge, leftFlat)
	if !t.cache.CAS(pid, pending, newLeftHead) {
		t.cache.Unblock(pid, addr)
		t.cache.Unblock(rightPID, rightAddr)
		t.cache.Unpin(pid)
		t.cache.Unpin(rightPID)
		return
	}

	remove := &Page{Kind: kindDeltaRemoveNode, Remove: &RemoveNodeDelta{AbsorbedBy: pid}}
	newRightHead := prepend(remove, rightFlat)
	if !t.cache.CAS(rightPID, pending, newRightHead) {
		t.cache.Unpin(pid)
		t.cache.Unpin(rightPID)
		return
	}
	t.counts.merges.Add(1)
	t.cache.Unpin(pid)
	t.cache.Unpin(rightPID)

	if err := t.postIndexDelete(separator, rightPID); err != nil {
		errPrintf("bwtree: merge index cleanup for pid %d failed: %v\n", uint64(rightPID), err)
	}
}
