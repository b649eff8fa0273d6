package btree

import (
	"context"
	"testing"

	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

func newTestPrimary(t *testing.T) *Primary {
	t.Helper()
	base := pageio.OpenMemory(pageio.Options{})
	wal := walog.OpenMemory(nil)
	io, err := walog.OpenWalPageIO(base, wal)
	if err != nil {
		t.Fatalf("open wal page io: %v", err)
	}
	if err := io.BeginWrite(); err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pages, err := pagemgr.Create(io, nil)
	if err != nil {
		t.Fatalf("create pagemgr: %v", err)
	}
	pages.BeginTx()
	tree, err := NewPrimary(io, pages, latch.New())
	if err != nil {
		t.Fatalf("new primary: %v", err)
	}
	return tree
}

func TestPrimaryInsertThenSearchFindsLocation(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	loc := docstore.Location{PageID: 7, Slot: 2}
	if err := tree.Insert(ctx, 42, loc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok, err := tree.Search(ctx, 42)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !ok || got != loc {
		t.Fatalf("expected %v, got %v (ok=%v)", loc, got, ok)
	}
}

func TestPrimarySearchMissingKeyReturnsFalse(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	if _, ok, err := tree.Search(ctx, 1); err != nil || ok {
		t.Fatalf("expected ok=false for a missing key, got ok=%v err=%v", ok, err)
	}
}

func TestPrimaryInsertReplacesExistingKey(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	if err := tree.Insert(ctx, 1, docstore.Location{PageID: 1, Slot: 0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	replacement := docstore.Location{PageID: 2, Slot: 0}
	if err := tree.Insert(ctx, 1, replacement); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, ok, err := tree.Search(ctx, 1)
	if err != nil || !ok || got != replacement {
		t.Fatalf("expected replaced location %v, got %v (ok=%v err=%v)", replacement, got, ok, err)
	}
}

func TestPrimaryInsertManyKeysForcesSplits(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	const n = 2000
	for i := uint32(0); i < n; i++ {
		if err := tree.Insert(ctx, i, docstore.Location{PageID: i, Slot: 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(0); i < n; i += 137 {
		loc, ok, err := tree.Search(ctx, i)
		if err != nil || !ok || loc.PageID != i {
			t.Fatalf("key %d: expected pageID %d, got %v (ok=%v err=%v)", i, i, loc, ok, err)
		}
	}
}

func TestPrimarySearchRangeHonorsInclusivity(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	for i := uint32(0); i < 10; i++ {
		if err := tree.Insert(ctx, i, docstore.Location{PageID: i, Slot: 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	locs, err := tree.SearchRange(ctx, 3, 6, true, false)
	if err != nil {
		t.Fatalf("search range: %v", err)
	}
	if len(locs) != 3 {
		t.Fatalf("expected 3 results for [3,6), got %d", len(locs))
	}
	var seen []uint32
	for _, l := range locs {
		seen = append(seen, l.PageID)
	}
	want := []uint32{3, 4, 5}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestPrimaryGetAllEntriesReturnsEveryKey(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	for i := uint32(0); i < 50; i++ {
		if err := tree.Insert(ctx, i, docstore.Location{PageID: i, Slot: 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	all, err := tree.GetAllEntries(ctx)
	if err != nil {
		t.Fatalf("get all entries: %v", err)
	}
	if len(all) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(all))
	}
}

func TestPrimaryDeleteThenSearchFindsNothing(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	for i := uint32(0); i < 500; i++ {
		if err := tree.Insert(ctx, i, docstore.Location{PageID: i, Slot: 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 500; i += 3 {
		if err := tree.Delete(ctx, i); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 500; i++ {
		_, ok, err := tree.Search(ctx, i)
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		wantOK := i%3 != 0
		if ok != wantOK {
			t.Fatalf("key %d: expected present=%v, got %v", i, wantOK, ok)
		}
	}
}

func TestPrimaryDeleteMissingKeyIsANoop(t *testing.T) {
	ctx := context.Background()
	tree := newTestPrimary(t)
	if err := tree.Insert(ctx, 1, docstore.Location{PageID: 1, Slot: 0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tree.Delete(ctx, 999); err != nil {
		t.Fatalf("expected deleting an absent key to be a no-op, got %v", err)
	}
	if _, ok, err := tree.Search(ctx, 1); err != nil || !ok {
		t.Fatalf("expected key 1 to survive, ok=%v err=%v", ok, err)
	}
}
