package bwtree

import "testing"

func TestPageTableAllocFreeReuse(t *testing.T) {
	pt := newPageTable(8)

	a, err := pt.allocPID()
	if err != nil {
		t.Fatalf("allocPID() = %v", err)
	}
	b, err := pt.allocPID()
	if err != nil {
		t.Fatalf("allocPID() = %v", err)
	}
	if a == b {
		t.Fatalf("allocPID() returned the same PID twice: %d", a)
	}

	pt.freePID(a)
	reused, err := pt.allocPID()
	if err != nil {
		t.Fatalf("allocPID() after free = %v", err)
	}
	if reused != a {
		t.Fatalf("allocPID() after free = %d, want reused PID %d", reused, a)
	}
}

func TestPageTableExhaustion(t *testing.T) {
	pt := newPageTable(uint32(firstFreePID) + 1)

	if _, err := pt.allocPID(); err != nil {
		t.Fatalf("allocPID() = %v", err)
	}
	if _, err := pt.allocPID(); !Is(err, KindExhausted) {
		t.Fatalf("allocPID() at capacity = %v, want KindExhausted", err)
	}
}

func TestPageTableCASRejectsStaleOld(t *testing.T) {
	pt := newPageTable(8)
	pid, err := pt.allocPID()
	if err != nil {
		t.Fatalf("allocPID() = %v", err)
	}

	first := memAddress(&Page{Kind: kindBaseData, Base: &BasePage{Leaf: true}})
	pt.install(pid, first)

	second := memAddress(&Page{Kind: kindBaseData, Base: &BasePage{Leaf: true}})
	if !pt.cas(pid, first, second) {
		t.Fatalf("cas(old=first) = false, want true")
	}
	if pt.load(pid) != second {
		t.Fatalf("load() after cas = %p, want %p", pt.load(pid), second)
	}

	third := memAddress(&Page{Kind: kindBaseData, Base: &BasePage{Leaf: true}})
	if pt.cas(pid, first, third) {
		t.Fatalf("cas(old=stale first) = true, want false")
	}
	if pt.load(pid) != second {
		t.Fatalf("load() after rejected cas = %p, want unchanged %p", pt.load(pid), second)
	}
}
