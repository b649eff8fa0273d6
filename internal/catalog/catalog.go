// Package catalog persists the collection directory: one entry per
// collection naming its primary tree root, its document id counter, and
// its index definitions. The whole directory lives in one or more
// contiguous pages and is rewritten in full on every change.
package catalog

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

// FieldType tags the value type an index field is built over.
type FieldType byte

const (
	FieldString FieldType = iota
	FieldInt32
	FieldInt64
	FieldDouble
	FieldBool
	FieldNull
)

// FieldSpec names one field participating in a (possibly compound) index.
type FieldSpec struct {
	Name string
	Type FieldType
}

// IndexDefinition describes one persisted secondary index.
type IndexDefinition struct {
	Fields     []FieldSpec
	RootPageID uint32
	Unique     bool
}

// Name is the underscore-joined concatenation of field names — for a
// single-field index this equals the field name.
func (d IndexDefinition) Name() string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return strings.Join(names, "_")
}

// CollectionEntry is one catalog row.
type CollectionEntry struct {
	Name       string
	RootPageID uint32 // primary tree root
	NextDocID  uint32
	Indexes    []IndexDefinition
}

// entryVersion is the current on-disk entry tag. Entries encoded before
// this package carried a version byte are detected by its absence and
// decoded by decodeLegacyEntry instead.
const entryVersion = 1

// Catalog is the in-memory collection directory plus its on-disk
// persistence. All access outside of Load/persist goes through the
// read/write-locked map.
type Catalog struct {
	io    *walog.WalPageIO
	pages *pagemgr.Manager

	mu          sync.RWMutex
	collections map[string]*CollectionEntry
}

// New creates an empty catalog backed by the page manager's initial
// catalog region.
func New(io *walog.WalPageIO, pages *pagemgr.Manager) *Catalog {
	return &Catalog{io: io, pages: pages, collections: make(map[string]*CollectionEntry)}
}

// Load reads every entry out of the page manager's current catalog
// region into memory.
func Load(io *walog.WalPageIO, pages *pagemgr.Manager) (*Catalog, error) {
	c := New(io, pages)
	start, count := pages.CatalogRegion()
	if count == 0 {
		return c, nil
	}
	buf, err := readRegion(io, start, count)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries(buf)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		ent := e
		c.collections[e.Name] = &ent
	}
	return c, nil
}

func readRegion(io *walog.WalPageIO, start, count uint32) ([]byte, error) {
	buf := make([]byte, 0, int(count)*pageio.PageSize)
	for i := uint32(0); i < count; i++ {
		page, err := io.ReadPage(start + i)
		if err != nil {
			return nil, err
		}
		buf = append(buf, page[:]...)
	}
	return buf, nil
}

// Get returns a copy of a collection entry, or ok=false if it doesn't
// exist.
func (c *Catalog) Get(name string) (CollectionEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.collections[name]
	if !ok {
		return CollectionEntry{}, false
	}
	return *e, true
}

// List returns every collection name, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.collections))
	for name := range c.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create adds a new collection entry and persists the catalog. Returns
// kerr.CollectionExists if the name is taken.
func (c *Catalog) Create(name string, rootPageID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.collections[name]; exists {
		return kerr.New("catalog", kerr.CollectionExists, nil)
	}
	c.collections[name] = &CollectionEntry{Name: name, RootPageID: rootPageID}
	return c.persistLocked()
}

// Drop removes a collection entry and persists the catalog. Returns
// kerr.CollectionMissing if it doesn't exist.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.collections[name]; !exists {
		return kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	delete(c.collections, name)
	return c.persistLocked()
}

// NextDocID allocates and persists the next document id for a collection.
func (c *Catalog) NextDocID(name string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[name]
	if !ok {
		return 0, kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	id := e.NextDocID
	e.NextDocID++
	return id, c.persistLocked()
}

// ReserveDocID bumps and returns the next document id for a collection
// without persisting. Used by a transaction's buffering phase, which runs
// ahead of the write-admission window Flush needs: the caller is expected
// to call Flush itself once its write actually lands, inside the same
// commit that applies it, so the bump and the document it names reach
// disk together.
func (c *Catalog) ReserveDocID(name string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[name]
	if !ok {
		return 0, kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	id := e.NextDocID
	e.NextDocID++
	return id, nil
}

// Flush persists the catalog's current in-memory state, picking up any
// ReserveDocID bump (or other mutator call) that hasn't reached disk yet.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

// AddIndex appends an index definition to a collection and persists.
func (c *Catalog) AddIndex(collection string, def IndexDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[collection]
	if !ok {
		return kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	for _, existing := range e.Indexes {
		if existing.Name() == def.Name() {
			return kerr.New("catalog", kerr.IndexExists, nil)
		}
	}
	e.Indexes = append(e.Indexes, def)
	return c.persistLocked()
}

// DropIndex removes an index definition by name and persists.
func (c *Catalog) DropIndex(collection, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[collection]
	if !ok {
		return kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	kept := e.Indexes[:0]
	found := false
	for _, def := range e.Indexes {
		if def.Name() == indexName {
			found = true
			continue
		}
		kept = append(kept, def)
	}
	if !found {
		return kerr.New("catalog", kerr.IndexMissing, nil)
	}
	e.Indexes = kept
	return c.persistLocked()
}

// SetRootPageID updates a collection's primary tree root (e.g. after a
// root split or compaction) and persists.
func (c *Catalog) SetRootPageID(name string, rootPageID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[name]
	if !ok {
		return kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	e.RootPageID = rootPageID
	return c.persistLocked()
}

// SetIndexRootPageID updates one secondary index's root page (e.g. after
// a leaf split threaded up through Secondary.Flush) and persists.
func (c *Catalog) SetIndexRootPageID(collection, indexName string, rootPageID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.collections[collection]
	if !ok {
		return kerr.New("catalog", kerr.CollectionMissing, nil)
	}
	for i := range e.Indexes {
		if e.Indexes[i].Name() == indexName {
			e.Indexes[i].RootPageID = rootPageID
			return c.persistLocked()
		}
	}
	return kerr.New("catalog", kerr.IndexMissing, nil)
}

func (c *Catalog) persistLocked() error {
	entries := make([]CollectionEntry, 0, len(c.collections))
	for _, e := range c.collections {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	buf := encodeEntries(entries)
	start, count := c.pages.CatalogRegion()
	needed := (len(buf) + pageio.PageSize - 1) / pageio.PageSize
	if uint32(needed) > count {
		if err := c.pages.GrowCatalog(uint32(needed) - count); err != nil {
			return kerr.New("catalog", kerr.CatalogGrowthFailure, err)
		}
		start, count = c.pages.CatalogRegion()
	}
	padded := make([]byte, count*pageio.PageSize)
	copy(padded, buf)
	for i := uint32(0); i < count; i++ {
		var page [pageio.PageSize]byte
		copy(page[:], padded[i*pageio.PageSize:(i+1)*pageio.PageSize])
		if err := c.io.WritePage(start+i, page); err != nil {
			return err
		}
	}
	return nil
}

func encodeEntries(entries []CollectionEntry) []byte {
	var buf []byte
	buf = appendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = append(buf, entryVersion)
		buf = appendString(buf, e.Name)
		buf = appendUint32(buf, e.RootPageID)
		buf = appendUint32(buf, e.NextDocID)
		buf = appendUint16(buf, uint16(len(e.Indexes)))
		for _, idx := range e.Indexes {
			buf = appendUint16(buf, uint16(len(idx.Fields)))
			for _, f := range idx.Fields {
				buf = appendString(buf, f.Name)
				buf = append(buf, byte(f.Type))
			}
			buf = appendUint32(buf, idx.RootPageID)
			if idx.Unique {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}
	return buf
}

func decodeEntries(buf []byte) ([]CollectionEntry, error) {
	if len(buf) < 2 {
		return nil, nil
	}
	off := 0
	count := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	entries := make([]CollectionEntry, 0, count)
	for i := 0; i < int(count); i++ {
		if off >= len(buf) {
			return nil, kerr.New("catalog", kerr.InvalidHeader, nil)
		}
		var e CollectionEntry
		var n int
		var err error
		if buf[off] == entryVersion {
			e, n, err = decodeEntryV1(buf[off+1:])
			n++ // account for the version byte itself
		} else {
			e, n, err = decodeLegacyEntry(buf[off:])
		}
		if err != nil {
			return nil, err
		}
		off += n
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntryV1(buf []byte) (CollectionEntry, int, error) {
	off := 0
	name, n := readString(buf[off:])
	off += n
	rootPageID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	nextDocID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	numIdx := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	indexes := make([]IndexDefinition, 0, numIdx)
	for i := 0; i < int(numIdx); i++ {
		numFields := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		fields := make([]FieldSpec, 0, numFields)
		for j := 0; j < int(numFields); j++ {
			fname, fn := readString(buf[off:])
			off += fn
			ftype := FieldType(buf[off])
			off++
			fields = append(fields, FieldSpec{Name: fname, Type: ftype})
		}
		idxRoot := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		unique := buf[off] != 0
		off++
		indexes = append(indexes, IndexDefinition{Fields: fields, RootPageID: idxRoot, Unique: unique})
	}
	return CollectionEntry{Name: name, RootPageID: rootPageID, NextDocID: nextDocID, Indexes: indexes}, off, nil
}

// decodeLegacyEntry reads a pre-version-byte entry: name, rootPageId,
// then two 4-byte fields this package no longer tracks (document count
// and a persisted next-id counter superseded by the runtime NextDocID
// counter), followed by the same index-definition tail as the current
// format.
func decodeLegacyEntry(buf []byte) (CollectionEntry, int, error) {
	off := 0
	name, n := readString(buf[off:])
	off += n
	rootPageID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	off += 4 // documentCount, dropped
	legacyNextID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	numIdx := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	indexes := make([]IndexDefinition, 0, numIdx)
	for i := 0; i < int(numIdx); i++ {
		numFields := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		fields := make([]FieldSpec, 0, numFields)
		for j := 0; j < int(numFields); j++ {
			fname, fn := readString(buf[off:])
			off += fn
			ftype := FieldType(buf[off])
			off++
			fields = append(fields, FieldSpec{Name: fname, Type: ftype})
		}
		idxRoot := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		unique := buf[off] != 0
		off++
		indexes = append(indexes, IndexDefinition{Fields: fields, RootPageID: idxRoot, Unique: unique})
	}
	return CollectionEntry{Name: name, RootPageID: rootPageID, NextDocID: legacyNextID, Indexes: indexes}, off, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, int) {
	l := binary.LittleEndian.Uint16(buf)
	return string(buf[2 : 2+int(l)]), 2 + int(l)
}
