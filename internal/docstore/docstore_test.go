package docstore

import (
	"bytes"
	"testing"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

func newTestStore(t *testing.T) *Store {
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
	return New(io, pages, latch.New(), nil)
}

func TestInsertThenReadRoundTripsInline(t *testing.T) {
	s := newTestStore(t)
	loc, err := s.InsertDocument([]byte("a short document"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.ReadDocument(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "a short document" {
		t.Fatalf("unexpected document: %q", got)
	}
}

func TestInsertHighlyCompressiblePayloadStillRoundTrips(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte("x"), 4000)
	loc, err := s.InsertDocument(payload)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.ReadDocument(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected compressed payload to decode back to the original bytes")
	}
}

func TestInsertOversizedPayloadSpillsToOverflow(t *testing.T) {
	s := newTestStore(t)
	payload := make([]byte, 3*pageio.PageSize+100)
	x := uint32(1)
	for i := range payload {
		x = x*1664525 + 1013904223
		payload[i] = byte(x >> 24)
	}
	loc, err := s.InsertDocument(payload)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.ReadDocument(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected overflow document to round trip byte for byte")
	}
}

func TestDeleteDocumentThenReadFailsWithSlotDeleted(t *testing.T) {
	s := newTestStore(t)
	loc, err := s.InsertDocument([]byte("to be deleted"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteDocument(loc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ReadDocument(loc); !kerr.Is(err, kerr.SlotDeleted) {
		t.Fatalf("expected SlotDeleted reading a deleted slot, got %v", err)
	}
}

func TestDeleteDocumentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	loc, err := s.InsertDocument([]byte("delete me twice"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteDocument(loc); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.DeleteDocument(loc); err != nil {
		t.Fatalf("expected a second delete of the same slot to be a no-op, got %v", err)
	}
}

func TestCompactPreservesALiveSlot(t *testing.T) {
	s := newTestStore(t)
	keep, err := s.InsertDocument([]byte("keep"))
	if err != nil {
		t.Fatalf("insert keep: %v", err)
	}

	remap, err := s.Compact(keep.PageID)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	newLoc, ok := remap[keep.Slot]
	if !ok {
		t.Fatal("expected the surviving slot to appear in the remap")
	}
	got, err := s.ReadDocument(newLoc)
	if err != nil {
		t.Fatalf("read after compact: %v", err)
	}
	if string(got) != "keep" {
		t.Fatalf("unexpected document after compact: %q", got)
	}
}

func TestCompactDropsADeletedSlotFromTheRemap(t *testing.T) {
	s := newTestStore(t)
	drop, err := s.InsertDocument([]byte("drop"))
	if err != nil {
		t.Fatalf("insert drop: %v", err)
	}
	if err := s.DeleteDocument(drop); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remap, err := s.Compact(drop.PageID)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(remap) != 0 {
		t.Fatalf("expected compacting a page with only a deleted slot to produce an empty remap, got %v", remap)
	}
}
