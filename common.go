package bwtree

import (
	"fmt"
	"os"
)

// PID names a logical node. It is stable for the node's lifetime and
// reused from a free list once the node dies and its safe epoch passes.
type PID uint64

// LSN is a monotonically increasing per-operation version tag.
type LSN uint64

const (
	// nullPID marks the absence of a page (e.g. a leftmost left-sibling,
	// or the sentinel right-link of the last leaf).
	nullPID PID = 0

	// rootPID is the PID of the tree root, fixed for the table's lifetime.
	rootPID PID = 1

	// firstFreePID is the first PID handed out beyond the reserved root.
	firstFreePID PID = 2
)

// storeHandle is an opaque identifier assigned by the external page store.
// A page-table address tells a handle apart from an in-memory head by its
// inStore flag, not by any bit of the handle (see address.go).
type storeHandle uint64

func errPrintf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
}
