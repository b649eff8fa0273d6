// Package pagemgr owns the page-level allocator: the header page, the
// bitmap of allocated pages, and the free-space map docstore consults
// before scanning for room. The header stays at page 0; the bitmap, FSM
// and catalog regions are relocatable — growth that doesn't fit where a
// region currently lives moves it to a fresh contiguous run (for the
// bitmap and FSM, at the end of the file).
package pagemgr

import (
	"fmt"
	"sync"

	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

const bitsPerPage = pageio.PageSize * 8

// Manager allocates and frees pages and tracks each page's free-space
// level. It is not safe for concurrent use by two active write
// transactions — its callers (the root package's transactions and
// mvcc.VersionGC) serialize writers via the commit-serialization lock
// before calling BeginTx.
type Manager struct {
	mu      sync.Mutex
	io      *walog.WalPageIO
	metrics *dbmetrics.Metrics

	header header
	bitmap []byte // one bit per page, 1 = allocated
	fsm    []byte // one byte per page, a Level

	inTx      bool
	txBitmap  []byte
	txFsm     []byte
	txHeader  header
}

// Create initializes a brand-new database file: header page, an initial
// bitmap region, an initial FSM region, and an empty catalog region.
func Create(io *walog.WalPageIO, metrics *dbmetrics.Metrics) (*Manager, error) {
	m := &Manager{io: io, metrics: metrics}

	// Reserve page 0 (header), then a modest initial bitmap/fsm/catalog.
	const initialBitmapPages = 1
	const initialFsmPages = 1
	const initialCatalogPages = 1

	if _, err := io.Grow(1); err != nil { // page 0
		return nil, err
	}
	bitmapStart, err := io.Grow(initialBitmapPages)
	if err != nil {
		return nil, err
	}
	fsmStart, err := io.Grow(initialFsmPages)
	if err != nil {
		return nil, err
	}
	catalogStart, err := io.Grow(initialCatalogPages)
	if err != nil {
		return nil, err
	}

	m.header = header{
		TotalPages:   io.TotalPages(),
		BitmapStart:  bitmapStart,
		BitmapPages:  initialBitmapPages,
		FsmStart:     fsmStart,
		FsmPages:     initialFsmPages,
		CatalogStart: catalogStart,
		CatalogPages: initialCatalogPages,
		PageSize:     pageio.PageSize,
	}
	m.bitmap = make([]byte, initialBitmapPages*pageio.PageSize)
	m.fsm = make([]byte, initialFsmPages*pageio.PageSize)

	m.markAllocated(m.bitmap, 0)
	for p := bitmapStart; p < bitmapStart+initialBitmapPages; p++ {
		m.markAllocated(m.bitmap, p)
	}
	for p := fsmStart; p < fsmStart+initialFsmPages; p++ {
		m.markAllocated(m.bitmap, p)
	}
	for p := catalogStart; p < catalogStart+initialCatalogPages; p++ {
		m.markAllocated(m.bitmap, p)
	}

	if err := m.persistAll(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open loads an existing header, bitmap, and FSM from io.
func Open(io *walog.WalPageIO, metrics *dbmetrics.Metrics) (*Manager, error) {
	m := &Manager{io: io, metrics: metrics}
	raw, err := io.ReadPage(0)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	m.header = h
	m.bitmap = make([]byte, h.BitmapPages*pageio.PageSize)
	if err := m.readRegion(h.BitmapStart, h.BitmapPages, m.bitmap); err != nil {
		return nil, err
	}
	m.fsm = make([]byte, h.FsmPages*pageio.PageSize)
	if err := m.readRegion(h.FsmStart, h.FsmPages, m.fsm); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) readRegion(start, count uint32, into []byte) error {
	for i := uint32(0); i < count; i++ {
		page, err := m.io.ReadPage(start + i)
		if err != nil {
			return err
		}
		copy(into[i*pageio.PageSize:], page[:])
	}
	return nil
}

func (m *Manager) writeRegion(start, count uint32, from []byte) error {
	for i := uint32(0); i < count; i++ {
		var page [pageio.PageSize]byte
		copy(page[:], from[i*pageio.PageSize:(i+1)*pageio.PageSize])
		if err := m.io.WritePage(start+i, page); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) persistAll() error {
	if err := m.writeRegion(m.header.BitmapStart, m.header.BitmapPages, m.bitmap); err != nil {
		return err
	}
	if err := m.writeRegion(m.header.FsmStart, m.header.FsmPages, m.fsm); err != nil {
		return err
	}
	hdrPage := encodeHeader(m.header)
	return m.io.WritePage(0, hdrPage)
}

// BeginTx snapshots committed allocator state into a working copy. Every
// Allocate/Free call during the transaction mutates the working copy only;
// Commit folds it back, Abort throws it away.
func (m *Manager) BeginTx() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = true
	m.txBitmap = append([]byte(nil), m.bitmap...)
	m.txFsm = append([]byte(nil), m.fsm...)
	m.txHeader = m.header
}

// Commit folds the working copy back into committed state and writes it
// through io (which itself only becomes durable once the caller commits
// the enclosing WAL transaction).
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return nil
	}
	m.bitmap = m.txBitmap
	m.fsm = m.txFsm
	m.header = m.txHeader
	m.inTx = false
	m.txBitmap, m.txFsm = nil, nil
	return m.persistAll()
}

// Abort discards the working copy.
func (m *Manager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = false
	m.txBitmap, m.txFsm = nil, nil
}

func (m *Manager) active() ([]byte, []byte, *header) {
	if m.inTx {
		return m.txBitmap, m.txFsm, &m.txHeader
	}
	return m.bitmap, m.fsm, &m.header
}

func (m *Manager) markAllocated(bitmap []byte, pageID uint32) {
	bitmap[pageID/8] |= 1 << (pageID % 8)
}

func (m *Manager) markFree(bitmap []byte, pageID uint32) {
	bitmap[pageID/8] &^= 1 << (pageID % 8)
}

func (m *Manager) isAllocated(bitmap []byte, pageID uint32) bool {
	if int(pageID/8) >= len(bitmap) {
		return false
	}
	return bitmap[pageID/8]&(1<<(pageID%8)) != 0
}

// Allocate finds n contiguous free pages, marks them allocated, and
// returns the first page id. It grows the file (and relocates the bitmap
// and FSM if they've run out of addressable bits) when no existing run is
// long enough.
func (m *Manager) Allocate(n uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return 0, kerr.New("pagemgr", kerr.IOError, fmt.Errorf("allocate outside transaction"))
	}
	bitmap, _, hdr := m.active()

	if first, ok := m.findContiguousFree(bitmap, hdr.TotalPages, n); ok {
		for p := first; p < first+n; p++ {
			m.markAllocated(bitmap, p)
		}
		m.metrics.PageAllocated()
		return first, nil
	}

	// No run long enough: grow the file and, if that exhausts bitmap
	// capacity, relocate the bitmap (and FSM) to a larger region.
	first, err := m.io.Grow(n)
	if err != nil {
		return 0, err
	}
	hdr.TotalPages = first + n
	if err := m.ensureCapacity(hdr.TotalPages); err != nil {
		return 0, err
	}
	bitmap, _, hdr = m.active()
	for p := first; p < first+n; p++ {
		m.markAllocated(bitmap, p)
	}
	m.metrics.PageAllocated()
	return first, nil
}

func (m *Manager) findContiguousFree(bitmap []byte, totalPages, n uint32) (uint32, bool) {
	run := uint32(0)
	start := uint32(0)
	// page 0 (header) is never a candidate; allocator starts scanning at 1.
	for p := uint32(1); p < totalPages; p++ {
		if m.isAllocated(bitmap, p) {
			run = 0
			continue
		}
		if run == 0 {
			start = p
		}
		run++
		if run == n {
			return start, true
		}
	}
	return 0, false
}

// ensureCapacity grows the bitmap (and FSM, sized 1:1 with pages) region
// if totalPages now exceeds what's addressable, relocating each region to
// a fresh contiguous run appended past the current end of file.
func (m *Manager) ensureCapacity(totalPages uint32) error {
	_, _, hdr := m.active()
	neededBitmapPages := (totalPages + bitsPerPage - 1) / bitsPerPage
	if neededBitmapPages < 1 {
		neededBitmapPages = 1
	}
	neededFsmPages := (totalPages*1 + pageio.PageSize - 1) / pageio.PageSize
	if neededFsmPages < 1 {
		neededFsmPages = 1
	}

	bitmap, fsm, _ := m.active()

	if neededBitmapPages > hdr.BitmapPages {
		newStart, err := m.io.Grow(neededBitmapPages)
		if err != nil {
			return err
		}
		grown := make([]byte, neededBitmapPages*pageio.PageSize)
		copy(grown, bitmap)
		for p := newStart; p < newStart+neededBitmapPages; p++ {
			m.markAllocated(grown, p)
		}
		if m.inTx {
			m.txBitmap = grown
			m.txHeader.BitmapStart = newStart
			m.txHeader.BitmapPages = neededBitmapPages
			m.txHeader.TotalPages = m.io.TotalPages()
		} else {
			m.bitmap = grown
			m.header.BitmapStart = newStart
			m.header.BitmapPages = neededBitmapPages
			m.header.TotalPages = m.io.TotalPages()
		}
	}

	if neededFsmPages > hdr.FsmPages {
		newStart, err := m.io.Grow(neededFsmPages)
		if err != nil {
			return err
		}
		grown := make([]byte, neededFsmPages*pageio.PageSize)
		copy(grown, fsm)
		bitmap2, _, _ := m.active()
		for p := newStart; p < newStart+neededFsmPages; p++ {
			m.markAllocated(bitmap2, p)
		}
		if m.inTx {
			m.txFsm = grown
			m.txHeader.FsmStart = newStart
			m.txHeader.FsmPages = neededFsmPages
			m.txHeader.TotalPages = m.io.TotalPages()
		} else {
			m.fsm = grown
			m.header.FsmStart = newStart
			m.header.FsmPages = neededFsmPages
			m.header.TotalPages = m.io.TotalPages()
		}
	}
	return nil
}

// Free marks n contiguous pages starting at first as free and resets their
// FSM entries.
func (m *Manager) Free(first, n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return kerr.New("pagemgr", kerr.IOError, fmt.Errorf("free outside transaction"))
	}
	bitmap, fsm, _ := m.active()
	for p := first; p < first+n; p++ {
		m.markFree(bitmap, p)
		if int(p) < len(fsm) {
			fsm[p] = byte(LevelNone)
		}
	}
	m.metrics.PageFreed()
	return nil
}

// SetFreeLevel records pageID's current free-space bucket.
func (m *Manager) SetFreeLevel(pageID uint32, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, fsm, _ := m.active()
	if int(pageID) >= len(fsm) {
		return nil
	}
	fsm[pageID] = byte(level)
	return nil
}

// FreeLevel returns pageID's last recorded free-space bucket.
func (m *Manager) FreeLevel(pageID uint32) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, fsm, _ := m.active()
	if int(pageID) >= len(fsm) {
		return LevelNone
	}
	return Level(fsm[pageID])
}

// FindPageWithSpace returns the first page id (other than reserved
// structural pages) whose FSM entry is at least minLevel, scoped to the
// [from, to) page range a caller (docstore, scanning one collection's
// pages) considers eligible.
func (m *Manager) FindPageWithSpace(from, to uint32, minLevel Level) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, fsm, _ := m.active()
	for p := from; p < to && int(p) < len(fsm); p++ {
		if Level(fsm[p]) >= minLevel {
			return p, true
		}
	}
	return 0, false
}

// CatalogRegion returns the current catalog region bounds.
func (m *Manager) CatalogRegion() (start, count uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, hdr := m.active()
	return hdr.CatalogStart, hdr.CatalogPages
}

// GrowCatalog extends the catalog region by n pages: in place when the
// pages right after it are free or lie past the end of the file (the file
// is grown for them), relocating it otherwise.
func (m *Manager) GrowCatalog(n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return kerr.New("pagemgr", kerr.CatalogGrowthFailure, fmt.Errorf("grow catalog outside transaction"))
	}
	bitmap, _, hdr := m.active()

	end := hdr.CatalogStart + hdr.CatalogPages + n
	contiguous := true
	for p := hdr.CatalogStart + hdr.CatalogPages; p < end && p < hdr.TotalPages; p++ {
		if m.isAllocated(bitmap, p) {
			contiguous = false
			break
		}
	}
	if contiguous && end > hdr.TotalPages {
		// The pages after the region lie past the end of the file: grow it.
		grow := end - hdr.TotalPages
		first, err := m.io.Grow(grow)
		if err != nil {
			return kerr.New("pagemgr", kerr.CatalogGrowthFailure, err)
		}
		hdr.TotalPages = first + grow
		if err := m.ensureCapacity(hdr.TotalPages); err != nil {
			return err
		}
		bitmap, _, hdr = m.active()
	}
	if contiguous {
		for p := hdr.CatalogStart + hdr.CatalogPages; p < end; p++ {
			m.markAllocated(bitmap, p)
		}
		hdr.CatalogPages += n
		return nil
	}

	// Relocate: allocate a fresh contiguous region sized for the new total.
	newCount := hdr.CatalogPages + n
	newStart, err := m.allocateLocked(newCount)
	if err != nil {
		return kerr.New("pagemgr", kerr.CatalogGrowthFailure, err)
	}
	oldStart, oldCount := hdr.CatalogStart, hdr.CatalogPages
	for i := uint32(0); i < oldCount; i++ {
		data, err := m.io.ReadPage(oldStart + i)
		if err != nil {
			return err
		}
		if err := m.io.WritePage(newStart+i, data); err != nil {
			return err
		}
	}
	if err := m.freeLocked(oldStart, oldCount); err != nil {
		return err
	}
	hdr.CatalogStart = newStart
	hdr.CatalogPages = newCount
	return nil
}

// allocateLocked/freeLocked are Allocate/Free without re-acquiring mu, for
// internal callers (GrowCatalog) that already hold it.
func (m *Manager) allocateLocked(n uint32) (uint32, error) {
	bitmap, _, hdr := m.active()
	if first, ok := m.findContiguousFree(bitmap, hdr.TotalPages, n); ok {
		for p := first; p < first+n; p++ {
			m.markAllocated(bitmap, p)
		}
		return first, nil
	}
	first, err := m.io.Grow(n)
	if err != nil {
		return 0, err
	}
	hdr.TotalPages = first + n
	if err := m.ensureCapacity(hdr.TotalPages); err != nil {
		return 0, err
	}
	bitmap, _, hdr = m.active()
	for p := first; p < first+n; p++ {
		m.markAllocated(bitmap, p)
	}
	return first, nil
}

func (m *Manager) freeLocked(first, n uint32) error {
	bitmap, fsm, _ := m.active()
	for p := first; p < first+n; p++ {
		m.markFree(bitmap, p)
		if int(p) < len(fsm) {
			fsm[p] = byte(LevelNone)
		}
	}
	return nil
}

// TotalPages returns the file's current page count.
func (m *Manager) TotalPages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, hdr := m.active()
	return hdr.TotalPages
}

// IsAllocated reports whether pageID is currently marked in use. Used by
// schema-consistency checks that walk catalog-referenced page ids looking
// for ones the allocator no longer recognizes.
func (m *Manager) IsAllocated(pageID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bitmap, _, hdr := m.active()
	if pageID >= hdr.TotalPages {
		return false
	}
	return m.isAllocated(bitmap, pageID)
}
