package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

const (
	snodeTypeOff = 0
	snumKeysOff  = 1
	snextLeafOff = 3
	sleafDataOff = 7
	sinternalOff = 3

	// averageKeyAssumption sizes maxKeys for a leaf/internal node the same
	// way the spec's order formula does: enough 64-byte keys to fill a
	// page, with an absolute floor of 4 so small page sizes still split.
	averageKeyAssumption = 64
)

func secondaryMaxKeys() int {
	n := (pageio.PageSize - sleafDataOff) / (2 + averageKeyAssumption)
	if n < 4 {
		return 4
	}
	return n
}

// opKind distinguishes a pending insert from a pending delete.
type opKind byte

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// pendingOp is one staged, not-yet-flushed mutation against a leaf's
// logical key set.
type pendingOp struct {
	kind opKind
	key  []byte
	txID uint64
	seq  uint64
}

// Secondary is a variable-length-key B+Tree over composite
// (fieldBytes ‖ docId) keys. Mutations are staged per leaf as pending ops
// keyed by transaction id rather than applied synchronously; Flush folds
// one transaction's ops into the physical leaves it touched.
type Secondary struct {
	RootPageID uint32

	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager

	pendingMu sync.Mutex
	pending   map[uint32][]pendingOp // pageID -> ops awaiting flush
	seq       uint64
}

// NewSecondary allocates an empty root leaf.
func NewSecondary(io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager) (*Secondary, error) {
	rootID, err := pages.Allocate(1)
	if err != nil {
		return nil, err
	}
	var buf [pageio.PageSize]byte
	writeSecondaryLeaf(&buf, nil, 0)
	if err := io.WritePage(rootID, buf); err != nil {
		return nil, err
	}
	return &Secondary{RootPageID: rootID, io: io, pages: pages, latches: latches, pending: make(map[uint32][]pendingOp)}, nil
}

// OpenSecondary attaches to an existing tree given its persisted root page.
func OpenSecondary(rootPageID uint32, io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager) *Secondary {
	return &Secondary{RootPageID: rootPageID, io: io, pages: pages, latches: latches, pending: make(map[uint32][]pendingOp)}
}

func readSecondaryNodeType(buf [pageio.PageSize]byte) byte { return buf[snodeTypeOff] }

func readSecondaryLeaf(buf [pageio.PageSize]byte) ([][]byte, uint32) {
	num := binary.LittleEndian.Uint16(buf[snumKeysOff:])
	next := binary.LittleEndian.Uint32(buf[snextLeafOff:])
	keys := make([][]byte, 0, num)
	off := sleafDataOff
	for i := 0; i < int(num); i++ {
		kl := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		key := append([]byte(nil), buf[off:off+kl]...)
		off += kl
		keys = append(keys, key)
	}
	return keys, next
}

func writeSecondaryLeaf(buf *[pageio.PageSize]byte, keys [][]byte, next uint32) {
	buf[snodeTypeOff] = pnodeLeaf
	binary.LittleEndian.PutUint16(buf[snumKeysOff:], uint16(len(keys)))
	binary.LittleEndian.PutUint32(buf[snextLeafOff:], next)
	off := sleafDataOff
	for _, k := range keys {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		off += 2
		copy(buf[off:], k)
		off += len(k)
	}
}

func secondaryLeafSize(keys [][]byte) int {
	s := 0
	for _, k := range keys {
		s += 2 + len(k)
	}
	return s
}

type secondaryInternal struct {
	keys     [][]byte
	children []uint32
}

func readSecondaryInternal(buf [pageio.PageSize]byte) secondaryInternal {
	num := binary.LittleEndian.Uint16(buf[snumKeysOff:])
	node := secondaryInternal{keys: make([][]byte, 0, num), children: make([]uint32, 0, num+1)}
	off := sinternalOff
	node.children = append(node.children, binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < int(num); i++ {
		kl := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		key := append([]byte(nil), buf[off:off+kl]...)
		off += kl
		node.keys = append(node.keys, key)
		node.children = append(node.children, binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return node
}

func writeSecondaryInternal(buf *[pageio.PageSize]byte, node secondaryInternal) {
	buf[snodeTypeOff] = pnodeInternal
	binary.LittleEndian.PutUint16(buf[snumKeysOff:], uint16(len(node.keys)))
	off := sinternalOff
	binary.LittleEndian.PutUint32(buf[off:], node.children[0])
	off += 4
	for i, k := range node.keys {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		off += 2
		copy(buf[off:], k)
		off += len(k)
		binary.LittleEndian.PutUint32(buf[off:], node.children[i+1])
		off += 4
	}
}

func secondaryInternalSize(node secondaryInternal) int {
	s := 4
	for _, k := range node.keys {
		s += 2 + len(k) + 4
	}
	return s
}

func (t *Secondary) findLeaf(key []byte) (uint32, [pageio.PageSize]byte, error) {
	pageID := t.RootPageID
	for depth := 0; depth < maxDepth; depth++ {
		buf, err := t.io.ReadPage(pageID)
		if err != nil {
			return 0, buf, err
		}
		if readSecondaryNodeType(buf) == pnodeLeaf {
			return pageID, buf, nil
		}
		node := readSecondaryInternal(buf)
		idx := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) > 0 })
		pageID = node.children[idx]
	}
	return 0, [pageio.PageSize]byte{}, kerr.New("btree", kerr.Unknown, errDepthExceeded)
}

func (t *Secondary) findLeftmostLeaf() (uint32, [pageio.PageSize]byte, error) {
	pageID := t.RootPageID
	for depth := 0; depth < maxDepth; depth++ {
		buf, err := t.io.ReadPage(pageID)
		if err != nil {
			return 0, buf, err
		}
		if readSecondaryNodeType(buf) == pnodeLeaf {
			return pageID, buf, nil
		}
		node := readSecondaryInternal(buf)
		pageID = node.children[0]
	}
	return 0, [pageio.PageSize]byte{}, kerr.New("btree", kerr.Unknown, errDepthExceeded)
}

// effectiveKeys merges a leaf's physical keys with whatever pending ops
// are currently staged against it, producing the view Flush would
// eventually make durable.
func (t *Secondary) effectiveKeys(pageID uint32, physical [][]byte) [][]byte {
	t.pendingMu.Lock()
	ops := append([]pendingOp(nil), t.pending[pageID]...)
	t.pendingMu.Unlock()
	if len(ops) == 0 {
		return physical
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })

	present := make(map[string]bool, len(physical))
	order := make([][]byte, 0, len(physical))
	for _, k := range physical {
		present[string(k)] = true
		order = append(order, k)
	}
	for _, op := range ops {
		ks := string(op.key)
		switch op.kind {
		case opInsert:
			if !present[ks] {
				present[ks] = true
				order = append(order, op.key)
			}
		case opDelete:
			if present[ks] {
				present[ks] = false
			}
		}
	}
	out := make([][]byte, 0, len(order))
	for _, k := range order {
		if present[string(k)] {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// Insert stages a pending insert of a composite key against the owning
// leaf. The physical tree is not touched until Flush.
func (t *Secondary) Insert(ctx context.Context, txID uint64, key []byte) error {
	pageID, _, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	t.stage(pageID, pendingOp{kind: opInsert, key: append([]byte(nil), key...), txID: txID})
	return nil
}

// Delete stages a pending delete of a composite key.
func (t *Secondary) Delete(ctx context.Context, txID uint64, key []byte) error {
	pageID, _, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	t.stage(pageID, pendingOp{kind: opDelete, key: append([]byte(nil), key...), txID: txID})
	return nil
}

func (t *Secondary) stage(pageID uint32, op pendingOp) {
	t.pendingMu.Lock()
	t.seq++
	op.seq = t.seq
	t.pending[pageID] = append(t.pending[pageID], op)
	t.pendingMu.Unlock()
}

// SearchPrefix returns every docId (the big-endian uint32 suffix) whose
// composite key starts with fieldBytes, scanning leaves left to right and
// stopping as soon as a key no longer shares the prefix.
func (t *Secondary) SearchPrefix(ctx context.Context, fieldBytes []byte) ([]uint32, error) {
	pageID, buf, err := t.findLeaf(fieldBytes)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for {
		physical, next := readSecondaryLeaf(buf)
		keys := t.effectiveKeys(pageID, physical)
		for _, k := range keys {
			if bytes.HasPrefix(k, fieldBytes) {
				out = append(out, decodeDocID(k))
				continue
			}
			cmpLen := len(k)
			if len(fieldBytes) < cmpLen {
				cmpLen = len(fieldBytes)
			}
			if bytes.Compare(k[:cmpLen], fieldBytes[:cmpLen]) > 0 {
				return out, nil
			}
		}
		if next == 0 {
			break
		}
		pageID = next
		buf, err = t.io.ReadPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// decodeDocID pulls the big-endian uint32 docId suffix off a composite key.
func decodeDocID(composite []byte) uint32 {
	if len(composite) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(composite[len(composite)-4:])
}

// EncodeCompositeKey builds the fieldBytes ‖ docId(BE32) composite key.
func EncodeCompositeKey(fieldBytes []byte, docID uint32) []byte {
	out := make([]byte, len(fieldBytes)+4)
	copy(out, fieldBytes)
	binary.BigEndian.PutUint32(out[len(fieldBytes):], docID)
	return out
}

// NullKey is the exempt null-encoded key: NULL never collides with itself
// in a unique index.
var NullKey = []byte{0x00}

// DecodeCompositeKey splits a composite key back into its field bytes and
// docId suffix — the inverse of EncodeCompositeKey, used by callers that
// need to recover an index's original field value per document (e.g. a
// full rebuild that must repopulate indexes rather than leave them empty).
func DecodeCompositeKey(composite []byte) (fieldBytes []byte, docID uint32) {
	return composite[:len(composite)-4], decodeDocID(composite)
}

// Abort discards every pending op staged by txID without touching any
// physical leaf.
func (t *Secondary) Abort(txID uint64) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for pageID, ops := range t.pending {
		kept := ops[:0]
		for _, op := range ops {
			if op.txID != txID {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(t.pending, pageID)
		} else {
			t.pending[pageID] = kept
		}
	}
}

// Flush applies every pending op staged by txID to the physical leaves it
// touched, in the lock order page-latch-then-pending-ops-lock, and
// returns the set of pages it wrote (for WAL staging by the caller).
func (t *Secondary) Flush(ctx context.Context, txID uint64) ([]uint32, error) {
	pages := t.pagesTouchedBy(txID)
	var written []uint32
	for _, pageID := range pages {
		set, err := t.latches.AcquireExclusive(ctx, []uint32{pageID})
		if err != nil {
			return written, err
		}
		err = t.flushPage(pageID, txID)
		set.Release()
		if err != nil {
			return written, err
		}
		written = append(written, pageID)
	}
	return written, nil
}

func (t *Secondary) pagesTouchedBy(txID uint64) []uint32 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	var out []uint32
	for pageID, ops := range t.pending {
		for _, op := range ops {
			if op.txID == txID {
				out = append(out, pageID)
				break
			}
		}
	}
	return out
}

// flushPage removes txID's ops from the page's pending list (under the
// pending-ops lock, held after the page latch) and applies them to the
// physical leaf, splitting it if the result no longer fits.
func (t *Secondary) flushPage(pageID uint32, txID uint64) error {
	t.pendingMu.Lock()
	ops := t.pending[pageID]
	var mine, rest []pendingOp
	for _, op := range ops {
		if op.txID == txID {
			mine = append(mine, op)
		} else {
			rest = append(rest, op)
		}
	}
	if len(rest) == 0 {
		delete(t.pending, pageID)
	} else {
		t.pending[pageID] = rest
	}
	t.pendingMu.Unlock()

	sort.Slice(mine, func(i, j int) bool { return mine[i].seq < mine[j].seq })

	buf, err := t.io.ReadPage(pageID)
	if err != nil {
		return err
	}
	keys, next := readSecondaryLeaf(buf)
	present := make(map[string]bool, len(keys))
	order := make([][]byte, 0, len(keys))
	for _, k := range keys {
		present[string(k)] = true
		order = append(order, k)
	}
	for _, op := range mine {
		ks := string(op.key)
		switch op.kind {
		case opInsert:
			if !present[ks] {
				present[ks] = true
				order = append(order, op.key)
			}
		case opDelete:
			present[ks] = false
		}
	}
	merged := make([][]byte, 0, len(order))
	for _, k := range order {
		if present[string(k)] {
			merged = append(merged, k)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return bytes.Compare(merged[i], merged[j]) < 0 })

	if secondaryLeafSize(merged) <= maxPrimaryLeafPayload && len(merged) <= secondaryMaxKeys() {
		writeSecondaryLeaf(&buf, merged, next)
		return t.io.WritePage(pageID, buf)
	}
	return t.splitLeafOnFlush(pageID, merged, next)
}

// splitLeafOnFlush writes an overfull flushed leaf as two leaves, then
// threads the new right sibling into its parent. Any pending ops for
// OTHER transactions still staged against this page id are repartitioned
// by the chosen split key so neither sibling loses its pending work.
func (t *Secondary) splitLeafOnFlush(pageID uint32, merged [][]byte, next uint32) error {
	mid := len(merged) / 2
	left := merged[:mid]
	right := append([][]byte(nil), merged[mid:]...)
	splitKey := right[0]

	newPageID, err := t.pages.Allocate(1)
	if err != nil {
		return err
	}
	var newBuf [pageio.PageSize]byte
	writeSecondaryLeaf(&newBuf, right, next)
	if err := t.io.WritePage(newPageID, newBuf); err != nil {
		return err
	}

	t.pendingMu.Lock()
	if ops, ok := t.pending[pageID]; ok {
		var stayLeft []pendingOp
		var moveRight []pendingOp
		for _, op := range ops {
			if bytes.Compare(op.key, splitKey) >= 0 {
				moveRight = append(moveRight, op)
			} else {
				stayLeft = append(stayLeft, op)
			}
		}
		if len(stayLeft) == 0 {
			delete(t.pending, pageID)
		} else {
			t.pending[pageID] = stayLeft
		}
		if len(moveRight) > 0 {
			t.pending[newPageID] = append(t.pending[newPageID], moveRight...)
		}
	}
	t.pendingMu.Unlock()

	var buf [pageio.PageSize]byte
	writeSecondaryLeaf(&buf, left, newPageID)
	if err := t.io.WritePage(pageID, buf); err != nil {
		return err
	}
	return t.threadSplitIntoParent(pageID, newPageID, splitKey)
}

// threadSplitIntoParent walks down from the root looking for the internal
// node whose child is pageID, and inserts the new separator key and
// sibling pointer there, splitting further up the tree as needed. If
// pageID is the root, a new root is created.
func (t *Secondary) threadSplitIntoParent(pageID, newPageID uint32, splitKey []byte) error {
	if pageID == t.RootPageID {
		newRootID, err := t.pages.Allocate(1)
		if err != nil {
			return err
		}
		var buf [pageio.PageSize]byte
		writeSecondaryInternal(&buf, secondaryInternal{keys: [][]byte{splitKey}, children: []uint32{pageID, newPageID}})
		if err := t.io.WritePage(newRootID, buf); err != nil {
			return err
		}
		t.RootPageID = newRootID
		return nil
	}
	return t.insertSeparator(t.RootPageID, pageID, newPageID, splitKey)
}

func (t *Secondary) insertSeparator(nodeID, childID, newChildID uint32, splitKey []byte) error {
	buf, err := t.io.ReadPage(nodeID)
	if err != nil {
		return err
	}
	if readSecondaryNodeType(buf) == pnodeLeaf {
		return kerr.New("btree", kerr.Unknown, errSeparatorTarget)
	}
	node := readSecondaryInternal(buf)
	for i, c := range node.children {
		if c == childID {
			node.keys = append(node.keys, nil)
			copy(node.keys[i+1:], node.keys[i:])
			node.keys[i] = splitKey
			node.children = append(node.children, 0)
			copy(node.children[i+2:], node.children[i+1:])
			node.children[i+1] = newChildID

			if secondaryInternalSize(node) <= maxPrimaryInternalPayload {
				writeSecondaryInternal(&buf, node)
				return t.io.WritePage(nodeID, buf)
			}
			return t.splitInternalOnFlush(nodeID, node)
		}
	}
	idx := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], splitKey) > 0 })
	return t.insertSeparator(node.children[idx], childID, newChildID, splitKey)
}

func (t *Secondary) splitInternalOnFlush(nodeID uint32, node secondaryInternal) error {
	mid := len(node.keys) / 2
	pushUp := node.keys[mid]
	left := secondaryInternal{keys: append([][]byte(nil), node.keys[:mid]...), children: append([]uint32(nil), node.children[:mid+1]...)}
	right := secondaryInternal{keys: append([][]byte(nil), node.keys[mid+1:]...), children: append([]uint32(nil), node.children[mid+1:]...)}

	newPageID, err := t.pages.Allocate(1)
	if err != nil {
		return err
	}
	var newBuf [pageio.PageSize]byte
	writeSecondaryInternal(&newBuf, right)
	if err := t.io.WritePage(newPageID, newBuf); err != nil {
		return err
	}
	var buf [pageio.PageSize]byte
	writeSecondaryInternal(&buf, left)
	if err := t.io.WritePage(nodeID, buf); err != nil {
		return err
	}
	return t.threadSplitIntoParent(nodeID, newPageID, pushUp)
}

var errSeparatorTarget = kerr.New("btree", kerr.Unknown, nil)

// GetAllKeys walks every leaf's physical content (ignoring any unflushed
// pending ops), for full-index scans used by compaction/rebuild.
func (t *Secondary) GetAllKeys(ctx context.Context) ([][]byte, error) {
	_, buf, err := t.findLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		keys, next := readSecondaryLeaf(buf)
		out = append(out, keys...)
		if next == 0 {
			break
		}
		buf, err = t.io.ReadPage(next)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
