// Package docstore implements the slotted document page: a header, a slot
// directory that grows down from just after the header, a data zone that
// grows up from the end of the page, and multi-page overflow for documents
// too large to fit a single page. Primary and secondary indexes never see
// page bytes directly — they hold a Location and ask docstore to resolve
// it.
package docstore

import (
	"encoding/binary"

	"github.com/haavardsel/kastordb/internal/pageio"
)

const (
	headerSize = 16
	slotSize   = 16 // offset:2 length:4 pageCount:2 flags:1 reserved:3 startPage:4
)

// PageType distinguishes a docstore page from catalog/btree pages sharing
// the same file.
type PageType byte

const (
	TypeDocument PageType = 1
	TypeOverflow PageType = 2
)

const (
	flagActive     byte = 0x00
	flagDeleted    byte = 0x01
	flagCompressed byte = 0x02
	flagOverflow   byte = 0x04
)

// Location identifies a stored document: which page its slot directory
// entry lives in, and which slot.
type Location struct {
	PageID uint32
	Slot   uint16
}

// page is an in-memory view over one raw page buffer.
type page struct {
	data [pageio.PageSize]byte
}

func newPage(ptype PageType, pageID uint32) *page {
	p := &page{}
	p.data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.data[1:5], pageID)
	p.setSlotCount(0)
	p.setDataStart(pageio.PageSize)
	return p
}

func wrapPage(buf [pageio.PageSize]byte) *page {
	return &page{data: buf}
}

func (p *page) bytes() [pageio.PageSize]byte { return p.data }

func (p *page) pageType() PageType   { return PageType(p.data[0]) }
func (p *page) pageID() uint32       { return binary.LittleEndian.Uint32(p.data[1:5]) }
func (p *page) slotCount() uint16    { return binary.LittleEndian.Uint16(p.data[5:7]) }
func (p *page) setSlotCount(n uint16) { binary.LittleEndian.PutUint16(p.data[5:7], n) }
func (p *page) dataStart() uint16    { return binary.LittleEndian.Uint16(p.data[7:9]) }
func (p *page) setDataStart(off uint16) {
	binary.LittleEndian.PutUint16(p.data[7:9], off)
}

func (p *page) slotOffset(slot uint16) uint16 {
	return headerSize + slot*slotSize
}

func (p *page) freeSpace() int {
	dirEnd := int(p.slotOffset(p.slotCount()))
	return int(p.dataStart()) - dirEnd
}

// slotEntry describes one directory entry. For an inline document, offset
// and length locate its bytes within this page's data zone. For an
// overflow document (flagOverflow set), offset and length are unused and
// startPage/pageCount/length instead describe the contiguous run of raw
// pages holding the document: startPage is the first overflow page id,
// pageCount how many pages it spans, and length the total document size.
type slotEntry struct {
	offset    uint16
	length    uint32
	pageCount uint16
	flags     byte
	startPage uint32
}

func (p *page) readSlot(slot uint16) slotEntry {
	off := p.slotOffset(slot)
	return slotEntry{
		offset:    binary.LittleEndian.Uint16(p.data[off:]),
		length:    binary.LittleEndian.Uint32(p.data[off+2:]),
		pageCount: binary.LittleEndian.Uint16(p.data[off+6:]),
		flags:     p.data[off+8],
		startPage: binary.LittleEndian.Uint32(p.data[off+12:]),
	}
}

func (p *page) writeSlot(slot uint16, e slotEntry) {
	off := p.slotOffset(slot)
	binary.LittleEndian.PutUint16(p.data[off:], e.offset)
	binary.LittleEndian.PutUint32(p.data[off+2:], e.length)
	binary.LittleEndian.PutUint16(p.data[off+6:], e.pageCount)
	p.data[off+8] = e.flags
	binary.LittleEndian.PutUint32(p.data[off+12:], e.startPage)
}

// appendSlot allocates a new directory slot and copies payload into the
// data zone (which grows downward from the top of the free area). It
// returns the new slot index, or false if there isn't room for both the
// slot entry and the payload.
func (p *page) appendSlot(payload []byte, flags byte, pageCount uint16) (uint16, bool) {
	needed := slotSize + len(payload)
	if p.freeSpace() < needed {
		return 0, false
	}
	newStart := p.dataStart() - uint16(len(payload))
	copy(p.data[newStart:], payload)
	p.setDataStart(newStart)

	slot := p.slotCount()
	p.writeSlot(slot, slotEntry{offset: newStart, length: uint32(len(payload)), pageCount: pageCount, flags: flags})
	p.setSlotCount(slot + 1)
	return slot, true
}

func (p *page) readPayload(e slotEntry) []byte {
	out := make([]byte, e.length)
	copy(out, p.data[uint32(e.offset):uint32(e.offset)+e.length])
	return out
}

// tombstone clears a slot's payload pointer, marking it deleted while
// keeping the slot index stable so existing Locations stay valid until
// compaction.
func (p *page) tombstone(slot uint16) {
	e := p.readSlot(slot)
	e.offset = 0
	e.length = 0
	e.pageCount = 0
	e.flags |= flagDeleted
	p.writeSlot(slot, e)
}
