package bwtree

import "testing"

func leafBase(entries ...entry) *Page {
	return newBaseDataPage(&BasePage{Leaf: true, Entries: entries})
}

func TestChainLookupFindsDeltaOverBase(t *testing.T) {
	base := leafBase(entry{Key: []byte("a"), LSN: 1, Value: []byte("base-a")})
	head := prepend(&Page{Kind: kindDeltaPut, Put: &PutDelta{Key: []byte("a"), LSN: 5, Value: []byte("fresh-a")}}, base)

	e, found, redirected, _ := chainLookup(head, []byte("a"), 10)
	if redirected {
		t.Fatalf("chainLookup redirected unexpectedly")
	}
	if !found || string(e.Value) != "fresh-a" {
		t.Fatalf("chainLookup(a, 10) = %+v, found=%v, want fresh-a", e, found)
	}

	e, found, _, _ = chainLookup(head, []byte("a"), 2)
	if !found || string(e.Value) != "base-a" {
		t.Fatalf("chainLookup(a, 2) = %+v, found=%v, want base-a (delta not yet visible)", e, found)
	}
}

func TestChainLookupDeleteShadowsBase(t *testing.T) {
	base := leafBase(entry{Key: []byte("a"), LSN: 1, Value: []byte("v")})
	head := prepend(&Page{Kind: kindDeltaDelete, Delete: &DeleteDelta{Key: []byte("a"), LSN: 3}}, base)

	if _, found, _, _ := chainLookup(head, []byte("a"), 5); found {
		t.Fatalf("chainLookup(a, 5) found a value, want tombstoned absence")
	}
	e, found, _, _ := chainLookup(head, []byte("a"), 2)
	if !found || string(e.Value) != "v" {
		t.Fatalf("chainLookup(a, 2) = %+v, found=%v, want v (delete not yet visible)", e, found)
	}
}

func TestChainLookupRedirectsAcrossSplit(t *testing.T) {
	base := leafBase(entry{Key: []byte("m"), LSN: 1, Value: []byte("v")})
	head := prepend(&Page{Kind: kindDeltaSplit, Split: &SplitDelta{SeparatorKey: []byte("n"), RightPID: 42}}, base)

	_, _, redirected, redirectTo := chainLookup(head, []byte("z"), 10)
	if !redirected || redirectTo != 42 {
		t.Fatalf("chainLookup(z) redirected=%v, to=%d, want true, 42", redirected, redirectTo)
	}
	e, found, redirected, _ := chainLookup(head, []byte("m"), 10)
	if redirected || !found || string(e.Value) != "v" {
		t.Fatalf("chainLookup(m) = %+v, found=%v, redirected=%v, want v, true, false", e, found, redirected)
	}
}

func TestChainLookupRedirectsOnRemovedNode(t *testing.T) {
	base := leafBase()
	head := prepend(&Page{Kind: kindDeltaRemoveNode, Remove: &RemoveNodeDelta{AbsorbedBy: 7}}, base)

	_, _, redirected, redirectTo := chainLookup(head, []byte("anything"), 10)
	if !redirected || redirectTo != 7 {
		t.Fatalf("chainLookup on removed node: redirected=%v, to=%d, want true, 7", redirected, redirectTo)
	}
}

func TestConsolidateLeafKeepsAllVersionsNewestFirstAndAppliesSplit(t *testing.T) {
	base := leafBase(
		entry{Key: []byte("a"), LSN: 1, Value: []byte("v1")},
		entry{Key: []byte("z"), LSN: 1, Value: []byte("zv")},
	)
	head := prepend(&Page{Kind: kindDeltaPut, Put: &PutDelta{Key: []byte("a"), LSN: 2, Value: []byte("v2")}}, base)
	head = prepend(&Page{Kind: kindDeltaSplit, Split: &SplitDelta{SeparatorKey: []byte("m"), RightPID: 99}}, head)

	flat := consolidateLeaf(head)
	if flat.Right != 99 {
		t.Fatalf("consolidateLeaf Right = %d, want 99 (from split delta)", flat.Right)
	}
	if string(flat.Upper) != "m" {
		t.Fatalf("consolidateLeaf Upper = %q, want %q", flat.Upper, "m")
	}
	for _, e := range flat.Entries {
		if string(e.Key) == "z" {
			t.Fatalf("consolidateLeaf kept entry %q, which the split narrowed away", e.Key)
		}
	}
	// Both versions of "a" survive consolidation (spec §3's historical-read
	// model: consolidation compacts chain length, never visibility), sorted
	// newest-LSN-first so a point lookup's linear scan finds the freshest
	// version first.
	if len(flat.Entries) != 2 {
		t.Fatalf("consolidateLeaf entries = %+v, want both historical versions of a retained", flat.Entries)
	}
	if flat.Entries[0].LSN != 2 || string(flat.Entries[0].Value) != "v2" {
		t.Fatalf("consolidateLeaf entries[0] = %+v, want the freshest version (lsn 2, v2) first", flat.Entries[0])
	}
	if flat.Entries[1].LSN != 1 || string(flat.Entries[1].Value) != "v1" {
		t.Fatalf("consolidateLeaf entries[1] = %+v, want the older version (lsn 1, v1) second", flat.Entries[1])
	}
}

func TestSplitLeafTrimsLeftHalfToTheSeparator(t *testing.T) {
	base := &BasePage{
		Leaf: true,
		Entries: []entry{
			{Key: []byte("a"), LSN: 1, Value: []byte("va")},
			{Key: []byte("b"), LSN: 1, Value: []byte("vb")},
			{Key: []byte("c"), LSN: 1, Value: []byte("vc")},
			{Key: []byte("d"), LSN: 1, Value: []byte("vd")},
		},
	}
	left, right, separator := splitLeaf(base)
	if right == nil {
		t.Fatalf("splitLeaf returned nil right for a multi-key base")
	}
	for _, e := range left.Entries {
		if string(e.Key) >= string(separator) {
			t.Fatalf("left half retained %q, which is >= separator %q and belongs on the right", e.Key, separator)
		}
	}
	for _, e := range right.Entries {
		if string(e.Key) < string(separator) {
			t.Fatalf("right half retained %q, which is < separator %q and belongs on the left", e.Key, separator)
		}
	}
	if len(left.Entries)+len(right.Entries) != len(base.Entries) {
		t.Fatalf("left+right entries = %d, want %d (no duplication or loss across the split)", len(left.Entries)+len(right.Entries), len(base.Entries))
	}
}

func TestSplitLeafAllSameKeyCannotSplit(t *testing.T) {
	entries := make([]entry, 0, 40)
	for lsn := LSN(1); lsn <= 40; lsn++ {
		entries = append(entries, entry{Key: []byte("hot"), LSN: lsn, Value: []byte("v")})
	}
	sortEntries(entries)
	base := &BasePage{Leaf: true, Entries: entries}

	left, right, separator := splitLeaf(base)
	if right != nil {
		t.Fatalf("splitLeaf right = %+v, want nil (every entry shares one key, no boundary to split on)", right)
	}
	if separator != nil {
		t.Fatalf("splitLeaf separator = %q, want nil alongside a nil right", separator)
	}
	if left != base {
		t.Fatalf("splitLeaf left = %+v, want the original base page returned unsplit", left)
	}
}

func TestNeedsConsolidateAndSplitThresholds(t *testing.T) {
	base := leafBase(entry{Key: []byte("a"), LSN: 1, Value: []byte("v")})
	head := prepend(&Page{Kind: kindDeltaPut, Put: &PutDelta{Key: []byte("b"), LSN: 2, Value: []byte("v")}}, base)

	// ChainLen counts the deltas above the base: head carries one.
	if needsConsolidate(head, 2) {
		t.Fatalf("needsConsolidate(threshold=2) = true for a chain with 1 delta, want false")
	}
	if !needsConsolidate(head, 1) {
		t.Fatalf("needsConsolidate(threshold=1) = false for a chain with 1 delta, want true")
	}
	if !needsSplit(chainApproxSize(head), 1) {
		t.Fatalf("needsSplit(threshold=1) = false, want true")
	}
}
