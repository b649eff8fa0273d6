package btree

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

func newTestSecondary(t *testing.T) *Secondary {
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
	tree, err := NewSecondary(io, pages, latch.New())
	if err != nil {
		t.Fatalf("new secondary: %v", err)
	}
	return tree
}

func TestEncodeDecodeCompositeKeyRoundTrips(t *testing.T) {
	key := EncodeCompositeKey([]byte("alice@example.com"), 17)
	fieldBytes, docID := DecodeCompositeKey(key)
	if !bytes.Equal(fieldBytes, []byte("alice@example.com")) {
		t.Fatalf("expected field bytes to round trip, got %q", fieldBytes)
	}
	if docID != 17 {
		t.Fatalf("expected docID 17, got %d", docID)
	}
}

func TestSecondaryStagedInsertVisibleBeforeFlush(t *testing.T) {
	ctx := context.Background()
	tree := newTestSecondary(t)
	key := EncodeCompositeKey([]byte("x"), 1)
	if err := tree.Insert(ctx, 1, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ids, err := tree.SearchPrefix(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("search prefix: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected staged insert visible before flush, got %v", ids)
	}

	all, err := tree.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("get all keys: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected GetAllKeys to ignore unflushed pending ops, got %d", len(all))
	}
}

func TestSecondaryFlushPersistsPhysically(t *testing.T) {
	ctx := context.Background()
	tree := newTestSecondary(t)
	key := EncodeCompositeKey([]byte("x"), 1)
	if err := tree.Insert(ctx, 1, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tree.Flush(ctx, 1); err != nil {
		t.Fatalf("flush: %v", err)
	}
	all, err := tree.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("get all keys: %v", err)
	}
	if len(all) != 1 || !bytes.Equal(all[0], key) {
		t.Fatalf("expected flushed key to be physically present, got %v", all)
	}
}

func TestSecondaryDeleteStagedHidesFromSearchPrefix(t *testing.T) {
	ctx := context.Background()
	tree := newTestSecondary(t)
	key := EncodeCompositeKey([]byte("x"), 1)
	if err := tree.Insert(ctx, 1, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tree.Flush(ctx, 1); err != nil {
		t.Fatalf("flush insert: %v", err)
	}
	if err := tree.Delete(ctx, 2, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids, err := tree.SearchPrefix(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("search prefix: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected staged delete to hide the key, got %v", ids)
	}
	if _, err := tree.Flush(ctx, 2); err != nil {
		t.Fatalf("flush delete: %v", err)
	}
	all, err := tree.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("get all keys: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected physical key gone after flushing delete, got %v", all)
	}
}

func TestSecondaryAbortDiscardsOnlyThatTransactionsOps(t *testing.T) {
	ctx := context.Background()
	tree := newTestSecondary(t)
	keyA := EncodeCompositeKey([]byte("a"), 1)
	keyB := EncodeCompositeKey([]byte("b"), 2)
	if err := tree.Insert(ctx, 1, keyA); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := tree.Insert(ctx, 2, keyB); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	tree.Abort(1)

	idsA, err := tree.SearchPrefix(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("search a: %v", err)
	}
	if len(idsA) != 0 {
		t.Fatalf("expected aborted transaction's insert to be gone, got %v", idsA)
	}
	idsB, err := tree.SearchPrefix(ctx, []byte("b"))
	if err != nil {
		t.Fatalf("search b: %v", err)
	}
	if len(idsB) != 1 {
		t.Fatalf("expected the other transaction's insert to survive, got %v", idsB)
	}
}

func TestSecondaryManyInsertsForcesLeafSplitsAndSurviveFlush(t *testing.T) {
	ctx := context.Background()
	tree := newTestSecondary(t)
	const n = 500
	for i := uint32(0); i < n; i++ {
		key := EncodeCompositeKey([]byte(fmt.Sprintf("field-%05d", i)), i)
		if err := tree.Insert(ctx, uint64(i)+1, key); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if _, err := tree.Flush(ctx, uint64(i)+1); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	all, err := tree.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("get all keys: %v", err)
	}
	if len(all) != n {
		t.Fatalf("expected %d keys after splits, got %d", n, len(all))
	}
	ids, err := tree.SearchPrefix(ctx, []byte(fmt.Sprintf("field-%05d", 250)))
	if err != nil {
		t.Fatalf("search prefix: %v", err)
	}
	if len(ids) != 1 || ids[0] != 250 {
		t.Fatalf("expected to find docId 250, got %v", ids)
	}
}
