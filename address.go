package bwtree

// address is the payload held by one page-table slot: either a pointer to
// a live, in-memory delta-chain head, or a handle into the external page
// store. Spec §4.2 describes this as "tagged words distinguishing
// in-memory pointer from store handle"; a tagged struct behind an
// atomic.Pointer plays the same role without resorting to unsafe bit
// packing of a live Go pointer.
type address struct {
	node    *Page
	handle  storeHandle
	inStore bool
}

func memAddress(n *Page) *address {
	return &address{node: n}
}

func storeAddr(h storeHandle) *address {
	return &address{handle: h, inStore: true}
}

// pending is a sentinel address installed on a chain head while it is
// undergoing a structural modification (split install, consolidation,
// merge). The page cache must not evict a chain observed with this marker
// (spec §4.4).
var pending = &address{}

func isPending(a *address) bool {
	return a == pending
}
