package bwtree

import "sync/atomic"

// Stats is a point-in-time snapshot of table activity counters, the
// ambient observability surface every operation above contributes to.
type Stats struct {
	Gets           int64
	Puts           int64
	Deletes        int64
	Splits         int64
	Consolidations int64
	Merges         int64
	Evictions      int64
	Bytes          int64
}

type counters struct {
	gets           atomic.Int64
	puts           atomic.Int64
	deletes        atomic.Int64
	splits         atomic.Int64
	consolidations atomic.Int64
	merges         atomic.Int64
}

func (c *counters) snapshot(evictions, bytes int64) Stats {
	return Stats{
		Gets:           c.gets.Load(),
		Puts:           c.puts.Load(),
		Deletes:        c.deletes.Load(),
		Splits:         c.splits.Load(),
		Consolidations: c.consolidations.Load(),
		Merges:         c.merges.Load(),
		Evictions:      evictions,
		Bytes:          bytes,
	}
}

// Stats returns a snapshot of the table's activity counters.
func (t *Tree) Stats() Stats {
	return t.counts.snapshot(t.cache.EvictionCount(), t.alloc.usedBytes())
}
