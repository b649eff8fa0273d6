package docstore

import (
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

// maxInline is the largest payload that fits in a fresh document page
// alongside its own slot entry. Anything bigger is written to a contiguous
// run of overflow pages instead, with the document page holding only the
// overflow pointer.
const maxInline = pageio.PageSize - headerSize - slotSize

// Store is the slotted document storage layer. It sits on top of the WAL
// overlay and the page allocator: every document lives either inline in a
// single page's data zone, or striped raw across a contiguous run of
// overflow pages referenced by one page's slot entry.
type Store struct {
	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager
	metrics *dbmetrics.Metrics
}

// New wires a Store over an already-open WAL overlay and page manager.
func New(io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager, metrics *dbmetrics.Metrics) *Store {
	return &Store{io: io, pages: pages, latches: latches, metrics: metrics}
}

// InsertDocument compresses the payload if that shrinks it, then either
// packs it inline into a fresh document page or spills it to overflow
// pages, returning the Location a primary/secondary index entry should
// point at. Must be called within an active write transaction.
func (s *Store) InsertDocument(doc []byte) (Location, error) {
	payload := doc
	flags := flagActive
	if compressed := snappy.Encode(nil, doc); len(compressed) < len(doc) {
		payload = compressed
		flags |= flagCompressed
	}

	if len(payload) <= maxInline {
		return s.insertInline(payload, flags)
	}
	return s.insertOverflow(payload, flags)
}

func (s *Store) insertInline(payload []byte, flags byte) (Location, error) {
	pageID, err := s.pages.Allocate(1)
	if err != nil {
		return Location{}, err
	}
	p := newPage(TypeDocument, pageID)
	slot, ok := p.appendSlot(payload, flags, 1)
	if !ok {
		return Location{}, kerr.New("docstore", kerr.OutOfSpace, fmt.Errorf("payload of %d bytes does not fit a fresh page", len(payload)))
	}
	if err := s.io.WritePage(pageID, p.bytes()); err != nil {
		return Location{}, err
	}
	return Location{PageID: pageID, Slot: slot}, nil
}

// insertOverflow allocates a contiguous run of raw pages to hold payload,
// then writes a single slot in a fresh document page whose slot entry is
// repurposed to carry the overflow pointer: startPage is the run's first
// page id, length the total payload length, pageCount the number of
// contiguous overflow pages.
func (s *Store) insertOverflow(payload []byte, flags byte) (Location, error) {
	pageCount := (len(payload) + pageio.PageSize - 1) / pageio.PageSize
	firstOverflow, err := s.pages.Allocate(uint32(pageCount))
	if err != nil {
		return Location{}, err
	}
	for i := 0; i < pageCount; i++ {
		var buf [pageio.PageSize]byte
		start := i * pageio.PageSize
		end := start + pageio.PageSize
		if end > len(payload) {
			end = len(payload)
		}
		copy(buf[:], payload[start:end])
		if err := s.io.WritePage(firstOverflow+uint32(i), buf); err != nil {
			return Location{}, err
		}
	}

	hostID, err := s.pages.Allocate(1)
	if err != nil {
		return Location{}, err
	}
	host := newPage(TypeDocument, hostID)
	slot := host.slotCount()
	host.writeSlot(slot, slotEntry{
		length:    uint32(len(payload)),
		pageCount: uint16(pageCount),
		flags:     flags | flagOverflow,
		startPage: firstOverflow,
	})
	host.setSlotCount(slot + 1)
	if err := s.io.WritePage(hostID, host.bytes()); err != nil {
		return Location{}, err
	}
	return Location{PageID: hostID, Slot: slot}, nil
}

// ReadDocument resolves a Location to its stored bytes, reversing
// compression and overflow striping as needed.
func (s *Store) ReadDocument(loc Location) ([]byte, error) {
	buf, err := s.io.ReadPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	p := wrapPage(buf)
	if loc.Slot >= p.slotCount() {
		return nil, kerr.New("docstore", kerr.SlotDeleted, fmt.Errorf("slot %d out of range", loc.Slot))
	}
	e := p.readSlot(loc.Slot)
	if e.flags&flagDeleted != 0 {
		return nil, kerr.New("docstore", kerr.SlotDeleted, nil)
	}

	var raw []byte
	if e.flags&flagOverflow != 0 {
		raw, err = s.readOverflow(e)
		if err != nil {
			return nil, err
		}
	} else {
		raw = p.readPayload(e)
	}

	if e.flags&flagCompressed != 0 {
		return snappy.Decode(nil, raw)
	}
	return raw, nil
}

func (s *Store) readOverflow(e slotEntry) ([]byte, error) {
	firstPage := e.startPage
	out := make([]byte, 0, e.length)
	for i := uint16(0); i < e.pageCount; i++ {
		buf, err := s.io.ReadPage(firstPage + uint32(i))
		if err != nil {
			return nil, err
		}
		remaining := int(e.length) - len(out)
		if remaining > pageio.PageSize {
			remaining = pageio.PageSize
		}
		out = append(out, buf[:remaining]...)
	}
	return out, nil
}

// DeleteDocument tombstones the slot and frees any overflow run it
// referenced. The slot index itself stays reserved so stale index entries
// fail with a kerr.SlotDeleted error instead of reading garbage.
func (s *Store) DeleteDocument(loc Location) error {
	buf, err := s.io.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	p := wrapPage(buf)
	if loc.Slot >= p.slotCount() {
		return kerr.New("docstore", kerr.SlotDeleted, fmt.Errorf("slot %d out of range", loc.Slot))
	}
	e := p.readSlot(loc.Slot)
	if e.flags&flagDeleted != 0 {
		return nil
	}

	if e.flags&flagOverflow != 0 {
		if err := s.pages.Free(e.startPage, uint32(e.pageCount)); err != nil {
			return err
		}
	}
	p.tombstone(loc.Slot)
	return s.io.WritePage(loc.PageID, p.bytes())
}

// Compact repacks a document page's live slots in place (same page id;
// deleted slots are dropped and the survivors renumbered from 0), returning
// a mapping from old slot index to new Location so
// callers (index structures, VersionGC) can rewrite their pointers.
func (s *Store) Compact(pageID uint32) (map[uint16]Location, error) {
	buf, err := s.io.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	old := wrapPage(buf)

	remap := make(map[uint16]Location)
	fresh := newPage(TypeDocument, pageID)
	for slot := uint16(0); slot < old.slotCount(); slot++ {
		e := old.readSlot(slot)
		if e.flags&flagDeleted != 0 {
			continue
		}
		if e.flags&flagOverflow != 0 {
			newSlot := fresh.slotCount()
			fresh.writeSlot(newSlot, e)
			fresh.setSlotCount(newSlot + 1)
			remap[slot] = Location{PageID: pageID, Slot: newSlot}
			continue
		}
		payload := old.readPayload(e)
		newSlot, ok := fresh.appendSlot(payload, e.flags, e.pageCount)
		if !ok {
			return nil, kerr.New("docstore", kerr.OutOfSpace, fmt.Errorf("page %d: compacted data no longer fits", pageID))
		}
		remap[slot] = Location{PageID: pageID, Slot: newSlot}
	}

	if err := s.io.WritePage(pageID, fresh.bytes()); err != nil {
		return nil, err
	}
	return remap, nil
}
