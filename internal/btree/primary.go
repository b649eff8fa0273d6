// Package btree implements the two on-disk B+Tree flavors: a fixed
// int32-keyed primary tree mapping docId to a document location, and a
// variable-length composite-keyed secondary tree used by field indexes.
// Both chain their leaves left-to-right via a nextLeaf pointer so range
// scans never have to walk back up to an ancestor.
package btree

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

// maxDepth bounds the path stack a traversal keeps, matching the practical
// depth ceiling of a tree holding this page size's worth of documents.
const maxDepth = 32

const (
	pnodeTypeOff = 0 // 0 = internal, 1 = leaf
	pnumKeysOff  = 1 // uint16
	pnextLeafOff = 3 // uint32, leaf only
	pleafDataOff = 7
	pinternalOff = 3

	pnodeInternal = byte(0)
	pnodeLeaf     = byte(1)

	// one primary leaf entry: key(4) + PageID(4) + Slot(2)
	primaryEntrySize = 10
	// one primary internal entry: key(4) + child(4)
	primaryInternalEntrySize = 8

	maxPrimaryLeafPayload     = pageio.PageSize - pleafDataOff
	maxPrimaryInternalPayload = pageio.PageSize - pinternalOff - 4 // minus child0
)

type primaryEntry struct {
	key uint32
	loc docstore.Location
}

type primaryInternal struct {
	keys     []uint32
	children []uint32
}

// Primary is a B+Tree keyed by docId, mapping to a docstore.Location.
type Primary struct {
	RootPageID uint32

	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager
}

// NewPrimary allocates an empty root leaf and returns a fresh tree.
func NewPrimary(io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager) (*Primary, error) {
	rootID, err := pages.Allocate(1)
	if err != nil {
		return nil, err
	}
	var buf [pageio.PageSize]byte
	writePrimaryLeaf(&buf, nil, 0)
	if err := io.WritePage(rootID, buf); err != nil {
		return nil, err
	}
	return &Primary{RootPageID: rootID, io: io, pages: pages, latches: latches}, nil
}

// OpenPrimary attaches to an existing tree given its persisted root page.
func OpenPrimary(rootPageID uint32, io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager) *Primary {
	return &Primary{RootPageID: rootPageID, io: io, pages: pages, latches: latches}
}

func readPrimaryNodeType(buf [pageio.PageSize]byte) byte { return buf[pnodeTypeOff] }

func readPrimaryLeaf(buf [pageio.PageSize]byte) ([]primaryEntry, uint32) {
	num := binary.LittleEndian.Uint16(buf[pnumKeysOff:])
	next := binary.LittleEndian.Uint32(buf[pnextLeafOff:])
	entries := make([]primaryEntry, 0, num)
	off := pleafDataOff
	for i := 0; i < int(num); i++ {
		key := binary.LittleEndian.Uint32(buf[off:])
		pid := binary.LittleEndian.Uint32(buf[off+4:])
		slot := binary.LittleEndian.Uint16(buf[off+8:])
		entries = append(entries, primaryEntry{key: key, loc: docstore.Location{PageID: pid, Slot: slot}})
		off += primaryEntrySize
	}
	return entries, next
}

func writePrimaryLeaf(buf *[pageio.PageSize]byte, entries []primaryEntry, next uint32) {
	buf[pnodeTypeOff] = pnodeLeaf
	binary.LittleEndian.PutUint16(buf[pnumKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(buf[pnextLeafOff:], next)
	off := pleafDataOff
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], e.key)
		binary.LittleEndian.PutUint32(buf[off+4:], e.loc.PageID)
		binary.LittleEndian.PutUint16(buf[off+8:], e.loc.Slot)
		off += primaryEntrySize
	}
}

func readPrimaryInternal(buf [pageio.PageSize]byte) primaryInternal {
	num := binary.LittleEndian.Uint16(buf[pnumKeysOff:])
	node := primaryInternal{keys: make([]uint32, 0, num), children: make([]uint32, 0, num+1)}
	off := pinternalOff
	node.children = append(node.children, binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < int(num); i++ {
		node.keys = append(node.keys, binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		node.children = append(node.children, binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return node
}

func writePrimaryInternal(buf *[pageio.PageSize]byte, node primaryInternal) {
	buf[pnodeTypeOff] = pnodeInternal
	binary.LittleEndian.PutUint16(buf[pnumKeysOff:], uint16(len(node.keys)))
	off := pinternalOff
	binary.LittleEndian.PutUint32(buf[off:], node.children[0])
	off += 4
	for i, k := range node.keys {
		binary.LittleEndian.PutUint32(buf[off:], k)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], node.children[i+1])
		off += 4
	}
}

func primaryLeafSize(entries []primaryEntry) int { return len(entries) * primaryEntrySize }
func primaryInternalSize(node primaryInternal) int {
	return 4 + len(node.keys)*primaryInternalEntrySize
}

func (t *Primary) readPage(pageID uint32) ([pageio.PageSize]byte, error) {
	return t.io.ReadPage(pageID)
}

func (t *Primary) writePage(pageID uint32, buf [pageio.PageSize]byte) error {
	return t.io.WritePage(pageID, buf)
}

func (t *Primary) findLeaf(key uint32) (uint32, [pageio.PageSize]byte, error) {
	pageID := t.RootPageID
	for depth := 0; depth < maxDepth; depth++ {
		buf, err := t.readPage(pageID)
		if err != nil {
			return 0, buf, err
		}
		if readPrimaryNodeType(buf) == pnodeLeaf {
			return pageID, buf, nil
		}
		node := readPrimaryInternal(buf)
		idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
		pageID = node.children[idx]
	}
	return 0, [pageio.PageSize]byte{}, kerr.New("btree", kerr.Unknown, errDepthExceeded)
}

func (t *Primary) findLeftmostLeaf() (uint32, [pageio.PageSize]byte, error) {
	pageID := t.RootPageID
	for depth := 0; depth < maxDepth; depth++ {
		buf, err := t.readPage(pageID)
		if err != nil {
			return 0, buf, err
		}
		if readPrimaryNodeType(buf) == pnodeLeaf {
			return pageID, buf, nil
		}
		node := readPrimaryInternal(buf)
		pageID = node.children[0]
	}
	return 0, [pageio.PageSize]byte{}, kerr.New("btree", kerr.Unknown, errDepthExceeded)
}

var errDepthExceeded = kerr.New("btree", kerr.Unknown, nil)

// Search returns the location stored for key, or ok=false if absent.
func (t *Primary) Search(ctx context.Context, key uint32) (docstore.Location, bool, error) {
	_, buf, err := t.findLeaf(key)
	if err != nil {
		return docstore.Location{}, false, err
	}
	entries, _ := readPrimaryLeaf(buf)
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if idx < len(entries) && entries[idx].key == key {
		return entries[idx].loc, true, nil
	}
	return docstore.Location{}, false, nil
}

// SearchRange returns the Location of every key with start <= key <= end
// (keys are not returned), honoring inclStart/inclEnd at the boundaries.
func (t *Primary) SearchRange(ctx context.Context, start, end uint32, inclStart, inclEnd bool) ([]docstore.Location, error) {
	_, buf, err := t.findLeaf(start)
	if err != nil {
		return nil, err
	}
	var out []docstore.Location
	for {
		entries, next := readPrimaryLeaf(buf)
		for _, e := range entries {
			if e.key < start || (e.key == start && !inclStart) {
				continue
			}
			if e.key > end || (e.key == end && !inclEnd) {
				return out, nil
			}
			out = append(out, e.loc)
		}
		if next == 0 {
			break
		}
		buf, err = t.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetAllEntries walks every leaf in key order, for full-collection scans.
func (t *Primary) GetAllEntries(ctx context.Context) (map[uint32]docstore.Location, error) {
	_, buf, err := t.findLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]docstore.Location)
	for {
		entries, next := readPrimaryLeaf(buf)
		for _, e := range entries {
			out[e.key] = e.loc
		}
		if next == 0 {
			break
		}
		buf, err = t.readPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type primarySplit struct {
	key     uint32
	pageID  uint32
}

// Insert adds (key, loc), splitting nodes bottom-up as needed. Must run
// within an active write transaction.
func (t *Primary) Insert(ctx context.Context, key uint32, loc docstore.Location) error {
	split, err := t.insertRecursive(t.RootPageID, key, loc)
	if err != nil {
		return err
	}
	if split == nil {
		return nil
	}
	newRootID, err := t.pages.Allocate(1)
	if err != nil {
		return err
	}
	var buf [pageio.PageSize]byte
	writePrimaryInternal(&buf, primaryInternal{keys: []uint32{split.key}, children: []uint32{t.RootPageID, split.pageID}})
	if err := t.writePage(newRootID, buf); err != nil {
		return err
	}
	t.RootPageID = newRootID
	return nil
}

func (t *Primary) insertRecursive(pageID uint32, key uint32, loc docstore.Location) (*primarySplit, error) {
	buf, err := t.readPage(pageID)
	if err != nil {
		return nil, err
	}
	if readPrimaryNodeType(buf) == pnodeLeaf {
		return t.insertIntoLeaf(pageID, buf, key, loc)
	}
	node := readPrimaryInternal(buf)
	idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
	childSplit, err := t.insertRecursive(node.children[idx], key, loc)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return t.insertIntoInternal(pageID, node, idx, childSplit)
}

func (t *Primary) insertIntoLeaf(pageID uint32, buf [pageio.PageSize]byte, key uint32, loc docstore.Location) (*primarySplit, error) {
	entries, next := readPrimaryLeaf(buf)
	pos := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if pos < len(entries) && entries[pos].key == key {
		entries[pos].loc = loc // replace, docIds are unique
		writePrimaryLeaf(&buf, entries, next)
		return nil, t.writePage(pageID, buf)
	}
	entries = append(entries, primaryEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = primaryEntry{key: key, loc: loc}

	if primaryLeafSize(entries) <= maxPrimaryLeafPayload {
		writePrimaryLeaf(&buf, entries, next)
		return nil, t.writePage(pageID, buf)
	}

	mid := len(entries) / 2
	left := entries[:mid]
	right := append([]primaryEntry(nil), entries[mid:]...)

	newPageID, err := t.pages.Allocate(1)
	if err != nil {
		return nil, err
	}
	var newBuf [pageio.PageSize]byte
	writePrimaryLeaf(&newBuf, right, next)
	if err := t.writePage(newPageID, newBuf); err != nil {
		return nil, err
	}
	writePrimaryLeaf(&buf, left, newPageID)
	if err := t.writePage(pageID, buf); err != nil {
		return nil, err
	}
	return &primarySplit{key: right[0].key, pageID: newPageID}, nil
}

func (t *Primary) insertIntoInternal(pageID uint32, node primaryInternal, idx int, split *primarySplit) (*primarySplit, error) {
	node.keys = append(node.keys, 0)
	copy(node.keys[idx+1:], node.keys[idx:])
	node.keys[idx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = split.pageID

	if primaryInternalSize(node) <= maxPrimaryInternalPayload {
		var buf [pageio.PageSize]byte
		writePrimaryInternal(&buf, node)
		return nil, t.writePage(pageID, buf)
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	left := primaryInternal{keys: append([]uint32(nil), node.keys[:mid]...), children: append([]uint32(nil), node.children[:mid+1]...)}
	right := primaryInternal{keys: append([]uint32(nil), node.keys[mid+1:]...), children: append([]uint32(nil), node.children[mid+1:]...)}

	newPageID, err := t.pages.Allocate(1)
	if err != nil {
		return nil, err
	}
	var newBuf [pageio.PageSize]byte
	writePrimaryInternal(&newBuf, right)
	if err := t.writePage(newPageID, newBuf); err != nil {
		return nil, err
	}
	var buf [pageio.PageSize]byte
	writePrimaryInternal(&buf, left)
	if err := t.writePage(pageID, buf); err != nil {
		return nil, err
	}
	return &primarySplit{key: pushUp, pageID: newPageID}, nil
}

// Delete removes key, rebalancing bottom-up (borrow-left, borrow-right,
// merge-left, merge-right, in that preference order) and collapsing the
// root when it becomes an internal node with no keys and one child.
func (t *Primary) Delete(ctx context.Context, key uint32) error {
	_, err := t.deleteRecursive(t.RootPageID, key)
	if err != nil {
		return err
	}
	rootBuf, err := t.readPage(t.RootPageID)
	if err != nil {
		return err
	}
	if readPrimaryNodeType(rootBuf) == pnodeInternal {
		root := readPrimaryInternal(rootBuf)
		if len(root.keys) == 0 {
			t.RootPageID = root.children[0]
		}
	}
	return nil
}

// deleteRecursive returns whether pageID's node is now underfull (a leaf
// below minPrimaryLeafEntries entries, an internal node below
// minPrimaryInternalKeys keys) so the caller can rebalance it against a
// sibling before returning further up the stack.
func (t *Primary) deleteRecursive(pageID uint32, key uint32) (bool, error) {
	buf, err := t.readPage(pageID)
	if err != nil {
		return false, err
	}
	if readPrimaryNodeType(buf) == pnodeLeaf {
		entries, next := readPrimaryLeaf(buf)
		pos := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
		if pos >= len(entries) || entries[pos].key != key {
			return false, nil // not found — nothing to do
		}
		entries = append(entries[:pos], entries[pos+1:]...)
		writePrimaryLeaf(&buf, entries, next)
		if err := t.writePage(pageID, buf); err != nil {
			return false, err
		}
		return len(entries) < minPrimaryLeafEntries, nil
	}

	node := readPrimaryInternal(buf)
	idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
	childUnderfull, err := t.deleteRecursive(node.children[idx], key)
	if err != nil {
		return false, err
	}
	if !childUnderfull {
		return false, nil
	}
	return t.rebalanceChild(pageID, &node, idx)
}

// minPrimaryLeafEntries is the smallest leaf population before it needs a
// sibling's help; roughly a quarter of what fits, matching the order
// formula's minimum of 3 for small page sizes.
const minPrimaryLeafEntries = maxPrimaryLeafPayload / primaryEntrySize / 4

func (t *Primary) rebalanceChild(pageID uint32, node *primaryInternal, idx int) (bool, error) {
	childID := node.children[idx]
	childBuf, err := t.readPage(childID)
	if err != nil {
		return false, err
	}
	isLeaf := readPrimaryNodeType(childBuf) == pnodeLeaf

	// Try borrow-left, then borrow-right, then merge-left, then merge-right.
	if idx > 0 {
		if ok, err := t.borrowFrom(node, idx, idx-1, isLeaf, true); err != nil {
			return false, err
		} else if ok {
			return t.writeRebalanced(pageID, node)
		}
	}
	if idx < len(node.children)-1 {
		if ok, err := t.borrowFrom(node, idx, idx+1, isLeaf, false); err != nil {
			return false, err
		} else if ok {
			return t.writeRebalanced(pageID, node)
		}
	}
	if idx > 0 {
		if err := t.mergeChildren(node, idx-1, idx, isLeaf); err != nil {
			return false, err
		}
		return t.writeRebalanced(pageID, node)
	}
	if err := t.mergeChildren(node, idx, idx+1, isLeaf); err != nil {
		return false, err
	}
	return t.writeRebalanced(pageID, node)
}

func (t *Primary) writeRebalanced(pageID uint32, node *primaryInternal) (bool, error) {
	var buf [pageio.PageSize]byte
	writePrimaryInternal(&buf, *node)
	if err := t.writePage(pageID, buf); err != nil {
		return false, err
	}
	return len(node.keys) < minPrimaryInternalKeys, nil
}

const minPrimaryInternalKeys = 1

// borrowFrom tries to pull one entry from sibling index `from` into child
// index `idx`, returning ok=true if the sibling had enough to spare.
func (t *Primary) borrowFrom(node *primaryInternal, idx, from int, isLeaf bool, fromLeft bool) (bool, error) {
	childID := node.children[idx]
	fromID := node.children[from]
	childBuf, err := t.readPage(childID)
	if err != nil {
		return false, err
	}
	fromBuf, err := t.readPage(fromID)
	if err != nil {
		return false, err
	}

	if isLeaf {
		childEntries, childNext := readPrimaryLeaf(childBuf)
		fromEntries, fromNext := readPrimaryLeaf(fromBuf)
		if len(fromEntries) <= minPrimaryLeafEntries {
			return false, nil
		}
		if fromLeft {
			borrowed := fromEntries[len(fromEntries)-1]
			fromEntries = fromEntries[:len(fromEntries)-1]
			childEntries = append([]primaryEntry{borrowed}, childEntries...)
			node.keys[idx-1] = borrowed.key
		} else {
			borrowed := fromEntries[0]
			fromEntries = fromEntries[1:]
			childEntries = append(childEntries, borrowed)
			node.keys[idx] = fromEntries[0].key
		}
		writePrimaryLeaf(&childBuf, childEntries, childNext)
		writePrimaryLeaf(&fromBuf, fromEntries, fromNext)
	} else {
		childNode := readPrimaryInternal(childBuf)
		fromNode := readPrimaryInternal(fromBuf)
		if len(fromNode.keys) <= minPrimaryInternalKeys {
			return false, nil
		}
		if fromLeft {
			borrowedChild := fromNode.children[len(fromNode.children)-1]
			borrowedKey := fromNode.keys[len(fromNode.keys)-1]
			fromNode.children = fromNode.children[:len(fromNode.children)-1]
			fromNode.keys = fromNode.keys[:len(fromNode.keys)-1]
			childNode.children = append([]uint32{borrowedChild}, childNode.children...)
			childNode.keys = append([]uint32{node.keys[idx-1]}, childNode.keys...)
			node.keys[idx-1] = borrowedKey
		} else {
			borrowedChild := fromNode.children[0]
			borrowedKey := fromNode.keys[0]
			fromNode.children = fromNode.children[1:]
			fromNode.keys = fromNode.keys[1:]
			childNode.children = append(childNode.children, borrowedChild)
			childNode.keys = append(childNode.keys, node.keys[idx])
			node.keys[idx] = borrowedKey
		}
		writePrimaryInternal(&childBuf, childNode)
		writePrimaryInternal(&fromBuf, fromNode)
	}

	if err := t.writePage(childID, childBuf); err != nil {
		return false, err
	}
	if err := t.writePage(fromID, fromBuf); err != nil {
		return false, err
	}
	return true, nil
}

// mergeChildren folds node.children[right] into node.children[left] and
// removes the separating key, freeing the right page.
func (t *Primary) mergeChildren(node *primaryInternal, left, right int, isLeaf bool) error {
	leftID := node.children[left]
	rightID := node.children[right]
	leftBuf, err := t.readPage(leftID)
	if err != nil {
		return err
	}
	rightBuf, err := t.readPage(rightID)
	if err != nil {
		return err
	}

	if isLeaf {
		leftEntries, _ := readPrimaryLeaf(leftBuf)
		rightEntries, rightNext := readPrimaryLeaf(rightBuf)
		merged := append(leftEntries, rightEntries...)
		writePrimaryLeaf(&leftBuf, merged, rightNext)
	} else {
		leftNode := readPrimaryInternal(leftBuf)
		rightNode := readPrimaryInternal(rightBuf)
		leftNode.keys = append(leftNode.keys, node.keys[left])
		leftNode.keys = append(leftNode.keys, rightNode.keys...)
		leftNode.children = append(leftNode.children, rightNode.children...)
		writePrimaryInternal(&leftBuf, leftNode)
	}
	if err := t.writePage(leftID, leftBuf); err != nil {
		return err
	}

	node.keys = append(node.keys[:left], node.keys[left+1:]...)
	node.children = append(node.children[:right], node.children[right+1:]...)
	return t.pages.Free(rightID, 1)
}
