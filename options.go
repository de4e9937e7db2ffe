package bwtree

import "github.com/bowtie-db/bwtree/interfaces"

// PageStore is the external object store backing evicted and persisted
// pages; see interfaces.PageStore. Re-exported in the root package so
// callers configuring Options never need to import the interfaces
// subpackage themselves.
type PageStore = interfaces.PageStore

// Options configures a Tree at Open. All fields take effect only at open
// time; they are immutable for the table's lifetime.
type Options struct {
	// Store is the external page store backing evicted and persisted
	// pages. If nil, Open installs a fresh in-memory store (see
	// NewMemStore).
	Store PageStore

	// CacheSize bounds the allocator's in-memory footprint, in bytes.
	// Allocations beyond the cap trigger synchronous eviction; if eviction
	// cannot free enough room, the allocation fails with KindOutOfMemory.
	CacheSize uint64

	// DataNodeSize is the leaf size threshold, in bytes, at or beyond
	// which a split is scheduled.
	DataNodeSize uint32

	// DataDeltaLength is the number of deltas on a leaf chain at which
	// consolidation is scheduled.
	DataDeltaLength uint8

	// IndexNodeSize is the index base-page size threshold, in bytes.
	IndexNodeSize uint32

	// IndexDeltaLength is the index chain-length threshold.
	IndexDeltaLength uint8

	// PageTableCapacity bounds the number of live PIDs. Exceeding it
	// surfaces KindExhausted from operations that need a fresh PID.
	PageTableCapacity uint32
}

// DefaultOptions returns sane defaults for an embedded, moderately sized
// table. Callers typically override CacheSize and the node-size/chain
// thresholds for their workload.
func DefaultOptions() Options {
	return Options{
		CacheSize:         64 << 20, // 64MiB
		DataNodeSize:      8 << 10,  // 8KiB
		DataDeltaLength:   8,
		IndexNodeSize:     8 << 10,
		IndexDeltaLength:  8,
		PageTableCapacity: 1 << 20,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.CacheSize == 0 {
		o.CacheSize = d.CacheSize
	}
	if o.DataNodeSize == 0 {
		o.DataNodeSize = d.DataNodeSize
	}
	if o.DataDeltaLength == 0 {
		o.DataDeltaLength = d.DataDeltaLength
	}
	if o.IndexNodeSize == 0 {
		o.IndexNodeSize = d.IndexNodeSize
	}
	if o.IndexDeltaLength == 0 {
		o.IndexDeltaLength = d.IndexDeltaLength
	}
	if o.PageTableCapacity == 0 {
		o.PageTableCapacity = d.PageTableCapacity
	}
}

func (o *Options) validate() error {
	if o.PageTableCapacity < firstFreePID.asUint32()+1 {
		return errInvalidArgument("page table capacity too small to hold root and first leaf")
	}
	return nil
}

func (p PID) asUint32() uint32 { return uint32(p) }
