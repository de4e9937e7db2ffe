package bwtree

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKindThroughWrap(t *testing.T) {
	base := errCorrupted("decode failed", errors.New("bad varint"))
	wrapped := fmt.Errorf("while loading page: %w", base)

	if !Is(wrapped, KindCorrupted) {
		t.Fatalf("Is(wrapped, KindCorrupted) = false, want true")
	}
	if Is(wrapped, KindIO) {
		t.Fatalf("Is(wrapped, KindIO) = true, want false")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := errIO("page store write", cause)
	want := "bwtree: io: page store write: disk full"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := errExhausted("page table capacity reached")
	want := "bwtree: exhausted: page table capacity reached"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
