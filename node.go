package bwtree

import (
	"bytes"
	"sort"
)

// This file is the Bw-Tree's node logic: walking a delta chain for reads
// and descents, deciding when a chain needs consolidating or splitting,
// and building the fresh pages those operations produce. Unlike a tree
// that mutates pages in place under a latch, there is no single physical
// page to inspect — the chain-walk has to fold deltas as it goes. The
// descent discipline around it still follows a familiar shape: redirecting
// and retrying on a stale link is the delta-chain equivalent of a B-link
// tree sliding right across a sibling chain after a concurrent split, just
// reinterpreted as PID redirection instead of re-reading a physical right
// pointer.

// chainLookup walks a leaf chain from head looking for the version of key
// visible at lsn. redirected reports that head's node has moved on (a
// split sent key's range to redirectTo, or the whole node was absorbed by
// a merge); the caller must re-resolve redirectTo through the page table
// and retry rather than trust this chain further.
func chainLookup(head *Page, key []byte, lsn LSN) (e entry, found, redirected bool, redirectTo PID) {
	// Deltas sit in publication order, which need not be LSN order (PutAt
	// takes caller LSNs), so the freshest matching delta is kept in best.
	var best *entry
walk:
	for p := head; p != nil; p = p.Next {
		switch p.Kind {
		case kindDeltaRemoveNode:
			return entry{}, false, true, p.Remove.AbsorbedBy

		case kindDeltaSplit:
			if bytes.Compare(key, p.Split.SeparatorKey) >= 0 {
				return entry{}, false, true, p.Split.RightPID
			}

		case kindDeltaPut:
			if bytes.Equal(p.Put.Key, key) && p.Put.LSN <= lsn && (best == nil || p.Put.LSN > best.LSN) {
				best = &entry{Key: p.Put.Key, LSN: p.Put.LSN, Value: p.Put.Value}
			}

		case kindDeltaDelete:
			if bytes.Equal(p.Delete.Key, key) && p.Delete.LSN <= lsn && (best == nil || p.Delete.LSN > best.LSN) {
				best = &entry{Key: p.Delete.Key, LSN: p.Delete.LSN, Tombstone: true}
			}

		case kindDeltaMerge:
			if bytes.Compare(key, p.Merge.SeparatorKey) >= 0 {
				e, found = p.Merge.AbsorbedRight.lookup(key, lsn)
				break walk
			}

		case kindBaseData:
			e, found = p.Base.lookup(key, lsn)
			break walk
		}
	}
	if best != nil && (!found || best.LSN > e.LSN) {
		e, found = *best, !best.Tombstone
	}
	return e, found, false, 0
}

// chainChildFor walks an index chain from head to find the subtree PID for
// key, with the same redirect convention as chainLookup.
func chainChildFor(head *Page, key []byte) (child PID, redirected bool, redirectTo PID) {
	for p := head; p != nil; p = p.Next {
		switch p.Kind {
		case kindDeltaRemoveNode:
			return 0, true, p.Remove.AbsorbedBy

		case kindDeltaSplit:
			if bytes.Compare(key, p.Split.SeparatorKey) >= 0 {
				return 0, true, p.Split.RightPID
			}

		case kindDeltaIndexInsert:
			if bytes.Equal(p.IndexInsert.SeparatorKey, key) || bytes.Compare(key, p.IndexInsert.SeparatorKey) > 0 {
				// only authoritative if nothing later in the chain also
				// claims this key; a newer insert for the same separator
				// can't occur (separators are assigned once), so the
				// first match wins.
				return p.IndexInsert.Child, false, 0
			}

		case kindDeltaIndexDelete:
			// nothing to do at lookup time beyond letting the walk fall
			// through to whatever entry the base would have produced;
			// absence is only meaningful relative to consolidation.

		case kindDeltaMerge:
			if bytes.Compare(key, p.Merge.SeparatorKey) >= 0 {
				if pid, ok := p.Merge.AbsorbedRight.childFor(key); ok {
					return pid, false, 0
				}
			}

		case kindBaseIndex:
			pid, ok := p.Base.childFor(key)
			if !ok {
				return 0, false, 0
			}
			return pid, false, 0
		}
	}
	return 0, false, 0
}

// chainTail walks to the base page terminating the chain.
func chainTail(head *Page) *Page {
	p := head
	for p.Next != nil {
		p = p.Next
	}
	return p
}

// chainIsLeaf reports whether head belongs to a leaf node, resolved from
// the terminating base page.
func chainIsLeaf(head *Page) bool {
	return chainTail(head).Base.Leaf
}

// chainApproxSize estimates the wire size of the chain's content, used to
// decide whether a node has grown too large and needs splitting. Deltas
// carry a small fixed overhead beyond their payload bytes.
func chainApproxSize(head *Page) uint32 {
	var n uint32
	for p := head; p != nil; p = p.Next {
		switch p.Kind {
		case kindBaseData, kindBaseIndex:
			n += p.Base.size()
		case kindDeltaPut:
			n += uint32(len(p.Put.Key)+len(p.Put.Value)) + 16
		case kindDeltaDelete:
			n += uint32(len(p.Delete.Key)) + 16
		case kindDeltaSplit:
			n += uint32(len(p.Split.SeparatorKey)) + 16
		case kindDeltaIndexInsert:
			n += uint32(len(p.IndexInsert.SeparatorKey)) + 16
		case kindDeltaIndexDelete:
			n += uint32(len(p.IndexDelete.SeparatorKey)) + 8
		case kindDeltaMerge:
			n += p.Merge.AbsorbedRight.size()
		case kindDeltaRemoveNode:
			n += 8
		}
	}
	return n
}

// liveApproxSize estimates the size of a leaf chain's *live* content: the
// freshest, non-tombstoned version of each key, discarding the superseded
// and deleted versions a plain chainApproxSize still counts. Splitting
// uses chainApproxSize (every byte the page actually stores costs memory,
// historical versions included), but merge eligibility needs to ask
// whether a node's useful content has shrunk below its low-water mark,
// which chainApproxSize can never report shrinking on once a key has
// been overwritten or deleted a few times.
func liveApproxSize(head *Page) uint32 {
	flat := consolidateLeaf(head)
	n := uint32(8 + len(flat.Lower) + len(flat.Upper))
	i := 0
	for i < len(flat.Entries) {
		key := flat.Entries[i].Key
		j := i
		first := flat.Entries[i]
		for j < len(flat.Entries) && bytes.Equal(flat.Entries[j].Key, key) {
			j++
		}
		if !first.Tombstone {
			n += uint32(len(first.Key)) + 16 + uint32(len(first.Value))
		}
		i = j
	}
	return n
}

// needsConsolidate reports whether head's chain has reached threshold
// deltas and should be flattened before the next structural change.
func needsConsolidate(head *Page, threshold uint8) bool {
	return head.ChainLen >= threshold
}

// needsSplit reports whether a consolidated node's content has reached
// the configured size threshold.
func needsSplit(size, threshold uint32) bool {
	return size >= threshold
}

// consolidate flattens an entire delta chain into a single fresh base
// page, applying every delta in the order it was posted (oldest first).
// The result keeps every (key, lsn) version seen so far: consolidation
// compacts chain length, never historical visibility.
func consolidate(head *Page) *Page {
	if chainIsLeaf(head) {
		return newBaseDataPage(consolidateLeaf(head))
	}
	return newBaseIndexPage(consolidateIndex(head))
}

func collectDeltas(head *Page) []*Page {
	var deltas []*Page
	for p := head; p != nil && !p.isBase(); p = p.Next {
		deltas = append(deltas, p)
	}
	return deltas
}

func consolidateLeaf(head *Page) *BasePage {
	deltas := collectDeltas(head)
	base := chainTail(head).Base

	result := &BasePage{
		Leaf:    true,
		Lower:   base.Lower,
		Upper:   base.Upper,
		Right:   base.Right,
		Entries: append([]entry(nil), base.Entries...),
	}

	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		switch d.Kind {
		case kindDeltaPut:
			result.Entries = append(result.Entries, entry{Key: d.Put.Key, LSN: d.Put.LSN, Value: d.Put.Value})
		case kindDeltaDelete:
			result.Entries = append(result.Entries, entry{Key: d.Delete.Key, LSN: d.Delete.LSN, Tombstone: true})
		case kindDeltaSplit:
			result.Upper = d.Split.SeparatorKey
			result.Right = d.Split.RightPID
			result.Entries = dropAtOrAbove(result.Entries, d.Split.SeparatorKey)
		case kindDeltaMerge:
			result.Entries = append(result.Entries, d.Merge.AbsorbedRight.Entries...)
			result.Upper = d.Merge.AbsorbedRight.Upper
			result.Right = d.Merge.AbsorbedRight.Right
		}
	}
	sortEntries(result.Entries)
	return result
}

func consolidateIndex(head *Page) *BasePage {
	deltas := collectDeltas(head)
	base := chainTail(head).Base

	result := &BasePage{
		Leaf:    false,
		Lower:   base.Lower,
		Upper:   base.Upper,
		Right:   base.Right,
		Entries: append([]entry(nil), base.Entries...),
	}

	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		switch d.Kind {
		case kindDeltaIndexInsert:
			result.Entries = append(result.Entries, entry{Key: d.IndexInsert.SeparatorKey, Child: d.IndexInsert.Child})
		case kindDeltaIndexDelete:
			result.Entries = removeKey(result.Entries, d.IndexDelete.SeparatorKey)
		case kindDeltaSplit:
			result.Upper = d.Split.SeparatorKey
			result.Right = d.Split.RightPID
			result.Entries = dropAtOrAbove(result.Entries, d.Split.SeparatorKey)
		case kindDeltaMerge:
			result.Entries = append(result.Entries, d.Merge.AbsorbedRight.Entries...)
			result.Upper = d.Merge.AbsorbedRight.Upper
			result.Right = d.Merge.AbsorbedRight.Right
		}
	}
	sortIndexEntries(result.Entries)
	return result
}

func dropAtOrAbove(entries []entry, separator []byte) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if bytes.Compare(e.Key, separator) < 0 {
			out = append(out, e)
		}
	}
	return out
}

func removeKey(entries []entry, key []byte) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if !bytes.Equal(e.Key, key) {
			out = append(out, e)
		}
	}
	return out
}

// sortEntries orders leaf entries ascending by key then descending by
// LSN, the ordering chainLookup and BasePage.lookup rely on.
func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].Key, entries[j].Key); c != 0 {
			return c < 0
		}
		return entries[i].LSN > entries[j].LSN
	})
}

func sortIndexEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
}

// splitLeaf partitions a consolidated leaf base page into a left half
// (kept under the original PID) and a right half (installed under a fresh
// PID by the caller), choosing the boundary at an entry-count midpoint
// nudged to the start of the next distinct key so that every version of a
// key stays in one node. If every entry from the midpoint onward shares a
// single key (e.g. a leaf that has only ever been put/deleted at one key
// across many LSNs), there is no distinct-key boundary to split on; left
// is returned equal to base and right is nil, signaling "cannot split".
func splitLeaf(base *BasePage) (left, right *BasePage, separator []byte) {
	mid := len(base.Entries) / 2
	for mid > 0 && mid < len(base.Entries) && bytes.Equal(base.Entries[mid].Key, base.Entries[mid-1].Key) {
		mid++
	}
	if mid == len(base.Entries) {
		return base, nil, nil
	}
	separator = append([]byte(nil), base.Entries[mid].Key...)

	left = &BasePage{
		Leaf:    true,
		Lower:   base.Lower,
		Upper:   separator,
		Right:   0, // the caller's split delta on top of this page names the new right PID
		Entries: append([]entry(nil), base.Entries[:mid]...),
	}
	right = &BasePage{
		Leaf:    true,
		Lower:   separator,
		Upper:   base.Upper,
		Right:   base.Right,
		Entries: append([]entry(nil), base.Entries[mid:]...),
	}
	return left, right, separator
}

// splitIndex partitions a consolidated index base page the same way,
// without the same-key grouping concern (index entries are one per
// distinct separator).
func splitIndex(base *BasePage) (left, right *BasePage, separator []byte) {
	mid := len(base.Entries) / 2
	separator = append([]byte(nil), base.Entries[mid].Key...)

	left = &BasePage{
		Leaf:    false,
		Lower:   base.Lower,
		Upper:   separator,
		Right:   0,
		Entries: append([]entry(nil), base.Entries[:mid]...),
	}
	right = &BasePage{
		Leaf:    false,
		Lower:   separator,
		Upper:   base.Upper,
		Right:   base.Right,
		Entries: append([]entry(nil), base.Entries[mid:]...),
	}
	return left, right, separator
}

// tooSmallToStandAlone reports whether a consolidated node has shrunk
// enough to be a merge candidate. A quarter of the split threshold is
// the low-water mark.
func tooSmallToStandAlone(size, splitThreshold uint32) bool {
	return size < splitThreshold/4
}
