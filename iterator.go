package bwtree

import "bytes"

// Iterator is a restartable, forward-only cursor over [lower, upper) at a
// fixed LSN, walking a chain of sibling-linked leaves much like a
// conventional B+tree range scan, generalized to delta chains: each leaf's
// visible entries are flattened once when the cursor enters it, and the
// cursor crosses to the next leaf via its consolidated Right pointer. This
// is not a point-in-time snapshot: a split or merge racing with the scan
// can be observed mid-iteration.
type Iterator struct {
	tree  *Tree
	lsn   LSN
	lower []byte
	upper []byte

	guard   Guard
	started bool
	done    bool

	cur     []entry
	idx     int
	nextPID PID
	lastKey []byte
}

// NewIterator opens a cursor over keys in [lower, upper). A nil lower
// starts at the first key; a nil upper has no upper bound.
func (t *Tree) NewIterator(lower, upper []byte) *Iterator {
	return &Iterator{tree: t, lsn: LSN(t.lsn.Load()), lower: lower, upper: upper}
}

// Rewind resets the cursor to its starting position, re-entering a fresh
// epoch guard and re-seeking to lower, so the caller may reuse one
// Iterator across multiple passes instead of opening a new one each time.
func (it *Iterator) Rewind() {
	if it.started && !it.done {
		it.guard.Exit()
	}
	it.lsn = LSN(it.tree.lsn.Load())
	it.started = false
	it.done = false
	it.cur = nil
	it.idx = 0
	it.nextPID = 0
	it.lastKey = nil
}

// Next advances the cursor and reports whether a key is available. Key
// and Value are only valid after Next returns true.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		it.guard = it.tree.rec.Enter()
		if err := it.seek(it.lower); err != nil {
			it.finish()
			return false
		}
	}
	for {
		if it.idx < len(it.cur) {
			e := it.cur[it.idx]
			it.idx++
			if it.upper != nil && bytes.Compare(e.Key, it.upper) >= 0 {
				it.finish()
				return false
			}
			it.lastKey = e.Key
			return true
		}
		if it.nextPID == nullPID {
			it.finish()
			return false
		}
		if err := it.loadLeaf(it.nextPID); err != nil {
			it.finish()
			return false
		}
	}
}

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.lastKey }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.cur[it.idx-1].Value }

// Close releases the iterator's epoch guard. Safe to call more than once,
// and safe to skip if Next has already returned false.
func (it *Iterator) Close() {
	if it.started && !it.done {
		it.finish()
	}
}

func (it *Iterator) finish() {
	it.done = true
	it.guard.Exit()
}

func (it *Iterator) seek(lower []byte) error {
	pid := rootPID
	for {
		head, _, err := it.tree.cache.Head(pid)
		if err != nil {
			return err
		}
		if chainIsLeaf(head) {
			it.tree.cache.Unpin(pid)
			return it.loadLeaf(pid)
		}
		key := lower
		if key == nil {
			key = []byte{}
		}
		child, redirected, redirectTo := chainChildFor(head, key)
		it.tree.cache.Unpin(pid)
		if redirected {
			pid = redirectTo
			continue
		}
		pid = child
	}
}

func (it *Iterator) loadLeaf(pid PID) error {
	for {
		head, _, err := it.tree.cache.Head(pid)
		if err != nil {
			return err
		}
		if head.Kind == kindDeltaRemoveNode {
			it.tree.cache.Unpin(pid)
			pid = head.Remove.AbsorbedBy
			continue
		}
		flat := consolidateLeaf(head)
		entries := visibleLeafEntries(head, it.lsn)
		it.tree.cache.Unpin(pid)

		start := 0
		if it.lower != nil {
			for start < len(entries) && bytes.Compare(entries[start].Key, it.lower) < 0 {
				start++
			}
		}
		it.cur = entries[start:]
		it.idx = 0
		it.nextPID = flat.Right
		return nil
	}
}

// visibleLeafEntries flattens a chain into the single freshest,
// non-tombstoned version of each key visible at lsn, in ascending key
// order — the iteration-time counterpart to BasePage.lookup's point
// query, since a scan can't binary-search for a specific key.
func visibleLeafEntries(head *Page, lsn LSN) []entry {
	flat := consolidateLeaf(head)
	var out []entry
	i := 0
	for i < len(flat.Entries) {
		key := flat.Entries[i].Key
		var chosen *entry
		j := i
		for j < len(flat.Entries) && bytes.Equal(flat.Entries[j].Key, key) {
			if chosen == nil && flat.Entries[j].LSN <= lsn {
				e := flat.Entries[j]
				chosen = &e
			}
			j++
		}
		if chosen != nil && !chosen.Tombstone {
			out = append(out, *chosen)
		}
		i = j
	}
	return out
}
