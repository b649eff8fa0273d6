package kerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New("pagemgr", OutOfSpace, fmt.Errorf("no free pages"))
	if !Is(err, OutOfSpace) {
		t.Fatal("expected Is to match the wrapped kind")
	}
	if Is(err, IOError) {
		t.Fatal("expected Is to reject a different kind")
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New("walog", ChecksumMismatch, nil)
	wrapped := fmt.Errorf("replay failed: %w", inner)
	if !Is(wrapped, ChecksumMismatch) {
		t.Fatal("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestErrorStringIncludesOpAndKind(t *testing.T) {
	err := New("catalog", CollectionMissing, nil)
	got := err.Error()
	want := "catalog: collection_missing"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWrapPassesThroughNil(t *testing.T) {
	if Wrap("pageio", nil) != nil {
		t.Fatal("expected Wrap(op, nil) to return nil")
	}
}

func TestErrorsIsAcrossDistinctInstances(t *testing.T) {
	a := New("btree", VersionConflict, nil)
	b := New("mvcc", VersionConflict, fmt.Errorf("stale head"))
	if !errors.Is(a, b) {
		t.Fatal("expected two *Error values with the same Kind to satisfy errors.Is")
	}
}
