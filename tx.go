package kastordb

import (
	"context"
	"sort"

	"github.com/haavardsel/kastordb/internal/btree"
	"github.com/haavardsel/kastordb/internal/catalog"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/mvcc"
)

// IndexField names one indexed field's value alongside a document write.
// The caller extracts these from its own encoded document; kastordb never
// parses document bytes itself.
type IndexField struct {
	Name  string
	Value []byte // order-preserving encoded value; see encode.go helpers
}

// Tx is one transaction against a DB: either a read-write transaction
// started with Begin, or a read-only one started with BeginReadOnly whose
// writes all fail with kerr.Unknown wrapping a read-only marker.
type Tx struct {
	db       *DB
	snapshot mvcc.Tx
	readOnly bool

	writing bool // true once this transaction has minted a snapshot id
	done    bool
	ops     []mvcc.Op
	writes  []pendingWrite // buffered document writes, applied in Commit
}

// pendingWrite buffers one document-level write (Insert or Replace) until
// Commit actually applies it. Index-entry staging and unique-conflict
// checks still happen immediately, since btree.Secondary already buffers
// those against its own pending map with no write-admission needed — only
// the physical docstore/primary-tree write, which does need it, is
// deferred here. Keeping that write out of the application phase is what
// lets two transactions' Insert/Replace calls actually overlap instead of
// serializing behind whichever one got there first; see Commit.
type pendingWrite struct {
	isReplace    bool
	collection   string
	docID        uint32
	doc          []byte
	observedHead uint64
}

// Begin starts a read-write transaction.
func (db *DB) Begin() *Tx {
	return &Tx{db: db}
}

// BeginReadOnly starts a read-only transaction pinned to the current
// committed-tx watermark. It never acquires the write lock and has
// nothing to commit; callers must still call Rollback (or Commit,
// equivalent for a read-only tx) when done, since its snapshot id stays
// registered as active — and so holds back VersionGC's cutoff — until
// then.
func (db *DB) BeginReadOnly() *Tx {
	tx := &Tx{db: db, readOnly: true}
	tx.snapshot = db.txm.Begin()
	return tx
}

// ensureSnapshot lazily mints this transaction's id on first write, giving
// ObservedHead reads and secondary-index staging a stable id to key
// against for the rest of the transaction's buffering phase. It does not
// acquire the commit-serialization lock or open the WAL/pagemgr write
// overlay — Commit does that itself, scoped to just the work it does, so
// a transaction's Insert/Replace/DeleteById calls can buffer concurrently
// with another transaction's instead of blocking on it from the first
// write.
func (tx *Tx) ensureSnapshot() {
	if tx.readOnly || tx.writing {
		return
	}
	tx.snapshot = tx.db.txm.Begin()
	tx.writing = true
}

func (tx *Tx) checkOpen() error {
	if tx.done {
		return kerr.New("kastordb", kerr.Unknown, errTxClosed)
	}
	return nil
}

var errTxClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "transaction already committed or rolled back" }

// Insert adds a new document to collection, returning its assigned docId.
// indexFields carries the values the caller wants indexed alongside it;
// an index only gets populated for fields a prior CreateIndex call named.
func (tx *Tx) Insert(collection string, doc []byte, indexFields []IndexField) (uint32, error) {
	if tx.readOnly {
		return 0, kerr.New("kastordb", kerr.Unknown, errReadOnly)
	}
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	if err := tx.db.ensureCollectionCreated(collection); err != nil {
		return 0, err
	}
	tx.ensureSnapshot()

	h, entry, err := tx.db.ensureCollectionHandle(collection, false)
	if err != nil {
		return 0, err
	}
	docID, err := tx.db.catalog.ReserveDocID(collection)
	if err != nil {
		return 0, err
	}
	if err := tx.indexFields(h, entry, docID, indexFields, true); err != nil {
		return 0, err
	}
	tx.writes = append(tx.writes, pendingWrite{collection: collection, docID: docID, doc: doc})
	return docID, nil
}

// Replace overwrites docId's document and its indexed values, validating
// that no other transaction has changed it since this transaction's
// snapshot was taken (oldIx must match the values newIx is replacing, so
// the correct composite keys can be removed from each secondary index).
// Returns false if docId does not currently exist.
func (tx *Tx) Replace(collection string, docID uint32, doc []byte, newIx, oldIx []IndexField) (bool, error) {
	if tx.readOnly {
		return false, kerr.New("kastordb", kerr.Unknown, errReadOnly)
	}
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	tx.ensureSnapshot()

	h, entry, err := tx.db.ensureCollectionHandle(collection, false)
	if err != nil {
		if kerr.Is(err, kerr.CollectionMissing) {
			return false, nil
		}
		return false, err
	}
	head, observed := tx.db.versions.ObservedHead(collection, docID)
	if !observed {
		return false, nil
	}

	for _, f := range oldIx {
		if err := tx.removeIndexEntry(h, entry, f, docID); err != nil {
			return false, err
		}
	}
	if err := tx.indexFields(h, entry, docID, newIx, false); err != nil {
		return false, err
	}
	tx.writes = append(tx.writes, pendingWrite{
		isReplace:    true,
		collection:   collection,
		docID:        docID,
		doc:          doc,
		observedHead: head,
	})
	return true, nil
}

// DeleteById tombstones docId. The primary-tree entry is not removed
// here — see DESIGN.md's cross-restart version history note — only
// VersionGC physically removes it once no snapshot can reach it. oldIx
// is used to remove the document's composite keys from each secondary
// index immediately, since an index lookup is never expected to resolve a
// tombstoned document.
func (tx *Tx) DeleteById(collection string, docID uint32, oldIx []IndexField) (bool, error) {
	if tx.readOnly {
		return false, kerr.New("kastordb", kerr.Unknown, errReadOnly)
	}
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	tx.ensureSnapshot()

	h, entry, err := tx.db.ensureCollectionHandle(collection, false)
	if err != nil {
		if kerr.Is(err, kerr.CollectionMissing) {
			return false, nil
		}
		return false, err
	}
	head, observed := tx.db.versions.ObservedHead(collection, docID)
	if !observed {
		return false, nil
	}
	for _, f := range oldIx {
		if err := tx.removeIndexEntry(h, entry, f, docID); err != nil {
			return false, err
		}
	}
	tx.ops = append(tx.ops, mvcc.Op{Collection: collection, DocID: docID, ObservedHead: head, HadHead: true, Delete: true})
	return true, nil
}

// GetById returns the document visible to this transaction's snapshot, or
// ok=false if it doesn't exist or isn't visible yet/anymore.
func (tx *Tx) GetById(collection string, docID uint32) ([]byte, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, false, err
	}
	snapshot := tx.snapshotWatermark()
	v, ok := tx.db.versions.GetVisible(collection, docID, snapshot)
	if !ok {
		return nil, false, nil
	}
	doc, err := tx.db.docs.ReadDocument(v.Location)
	if err != nil {
		if kerr.Is(err, kerr.SlotDeleted) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return doc, true, nil
}

// RangeByPrimary returns every live document (docId order) whose docId
// falls in [start, end], honoring inclStart/inclEnd, visible to this
// transaction's snapshot.
//
// btree.Primary.SearchRange returns only Locations, with no docId keys —
// insufficient here, since resolving visibility requires
// mvcc.VersionIndex.GetVisible(collection, docID, snapshot), which is
// keyed by docId. GetAllEntries returns the docId->Location map directly,
// so a client-side range filter over it is used instead of SearchRange.
func (tx *Tx) RangeByPrimary(collection string, start, end uint32, inclStart, inclEnd bool) (map[uint32][]byte, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	h, _, err := tx.db.ensureCollectionHandle(collection, false)
	if err != nil {
		if kerr.Is(err, kerr.CollectionMissing) {
			return map[uint32][]byte{}, nil
		}
		return nil, err
	}
	entries, err := h.primary.GetAllEntries(context.Background())
	if err != nil {
		return nil, err
	}
	snapshot := tx.snapshotWatermark()
	out := make(map[uint32][]byte)
	for docID := range entries {
		if docID < start || (docID == start && !inclStart) {
			continue
		}
		if docID > end || (docID == end && !inclEnd) {
			continue
		}
		v, ok := tx.db.versions.GetVisible(collection, docID, snapshot)
		if !ok {
			continue
		}
		doc, err := tx.db.docs.ReadDocument(v.Location)
		if err != nil {
			if kerr.Is(err, kerr.SlotDeleted) {
				continue
			}
			return nil, err
		}
		out[docID] = doc
	}
	return out, nil
}

// RangeByIndex returns docIds whose named secondary index key matches
// prefix, filtered to this transaction's visible snapshot, sorted
// ascending.
func (tx *Tx) RangeByIndex(collection, indexName string, prefix []byte) ([]uint32, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	h, _, err := tx.db.ensureCollectionHandle(collection, false)
	if err != nil {
		if kerr.Is(err, kerr.CollectionMissing) {
			return nil, nil
		}
		return nil, err
	}
	sec, ok := h.secondaries[indexName]
	if !ok {
		return nil, kerr.New("kastordb", kerr.IndexMissing, nil)
	}
	candidates, err := sec.SearchPrefix(context.Background(), prefix)
	if err != nil {
		return nil, err
	}
	snapshot := tx.snapshotWatermark()
	var out []uint32
	for _, docID := range candidates {
		if _, ok := tx.db.versions.GetVisible(collection, docID, snapshot); ok {
			out = append(out, docID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (tx *Tx) snapshotWatermark() uint64 {
	if tx.writing {
		return tx.snapshot.Snapshot
	}
	if tx.readOnly {
		return tx.snapshot.Snapshot
	}
	// A read-only operation inside a not-yet-writing read-write tx: pin to
	// the current committed watermark, matching what Begin would snapshot
	// if a write happened right now.
	return tx.db.txm.LastCommittedTxID()
}

func (tx *Tx) indexFields(h *collectionHandle, entry catalog.CollectionEntry, docID uint32, fields []IndexField, checkUnique bool) error {
	for _, f := range fields {
		sec, ok := h.secondaries[f.Name]
		if !ok {
			continue
		}
		key := encodeIndexKey(f.Value, docID)
		if checkUnique && isUniqueIndex(entry, f.Name) && len(f.Value) > 0 {
			if err := tx.checkUniqueConflict(sec, f.Value, docID); err != nil {
				return err
			}
		}
		if err := sec.Insert(context.Background(), tx.txIDForStaging(), key); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) removeIndexEntry(h *collectionHandle, entry catalog.CollectionEntry, f IndexField, docID uint32) error {
	sec, ok := h.secondaries[f.Name]
	if !ok {
		return nil
	}
	key := encodeIndexKey(f.Value, docID)
	return sec.Delete(context.Background(), tx.txIDForStaging(), key)
}

func (tx *Tx) txIDForStaging() uint64 {
	return tx.snapshot.ID
}

func (tx *Tx) checkUniqueConflict(sec interface {
	SearchPrefix(ctx context.Context, fieldBytes []byte) ([]uint32, error)
}, value []byte, docID uint32) error {
	existing, err := sec.SearchPrefix(context.Background(), value)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if id != docID {
			return kerr.New("kastordb", kerr.UniqueConstraintViolation, nil)
		}
	}
	return nil
}

var errReadOnly = &readOnlyErr{}

type readOnlyErr struct{}

func (*readOnlyErr) Error() string { return "transaction is read-only" }

func encodeIndexKey(fieldValue []byte, docID uint32) []byte {
	if len(fieldValue) == 0 {
		return btree.EncodeCompositeKey(btree.NullKey, docID)
	}
	return btree.EncodeCompositeKey(fieldValue, docID)
}

func isUniqueIndex(entry catalog.CollectionEntry, indexName string) bool {
	for _, idx := range entry.Indexes {
		if idx.Name() == indexName {
			return idx.Unique
		}
	}
	return false
}

// applyWrites performs the physical half of every Insert/Replace this
// transaction buffered: writing the document and updating the primary
// tree, which Insert/Replace themselves left undone so their application
// phase never had to touch the write overlay. Must run inside Commit's
// write-admission window, after which ValidateVersions/AddVersions see
// the Location each write produced.
func (tx *Tx) applyWrites(ctx context.Context) error {
	for _, w := range tx.writes {
		h, _, err := tx.db.ensureCollectionHandle(w.collection, false)
		if err != nil {
			return err
		}
		loc, err := tx.db.docs.InsertDocument(w.doc)
		if err != nil {
			return err
		}
		if err := h.primary.Insert(ctx, w.docID, loc); err != nil {
			return err
		}
		op := mvcc.Op{Collection: w.collection, DocID: w.docID, Location: loc}
		if w.isReplace {
			op.ObservedHead = w.observedHead
			op.HadHead = true
		}
		tx.ops = append(tx.ops, op)
	}
	return nil
}

// Commit acquires the commit-serialization lock, applies every buffered
// write, validates the result against the version index, flushes every
// touched secondary index and the catalog, then durably commits through
// the WAL and publishes the new versions. The lock is held only for this
// — not for the transaction's whole application phase — so a second
// transaction's Insert/Replace/DeleteById calls can buffer concurrently
// with this one instead of blocking on it, and so two transactions racing
// to replace the same document can actually both reach Commit and have
// ValidateVersions tell them apart. A read-only transaction or one that
// made no writes has nothing to persist and just retires its snapshot.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.done = true

	if tx.readOnly {
		tx.db.txm.Abort(tx.snapshot.ID)
		return nil
	}
	if !tx.writing {
		return nil
	}

	tx.db.latches.CommitSerialization().Lock()

	// Must be released before NotifyCommit below, since Vacuum acquires it
	// itself — so every early-return path here unlocks explicitly instead
	// of deferring, rather than holding it across that call.
	abort := func(err error) error {
		tx.db.pages.Abort()
		tx.db.io.Abort()
		tx.db.txm.Abort(tx.snapshot.ID)
		_ = tx.db.reloadCatalogAndHandles()
		tx.db.latches.CommitSerialization().Unlock()
		return err
	}

	if err := tx.db.io.BeginWrite(); err != nil {
		tx.db.txm.Abort(tx.snapshot.ID)
		tx.db.latches.CommitSerialization().Unlock()
		return err
	}
	tx.db.pages.BeginTx()

	if err := tx.applyWrites(ctx); err != nil {
		return abort(err)
	}
	if err := tx.db.versions.ValidateVersions(tx.ops); err != nil {
		return abort(err)
	}
	if err := tx.flushTouchedIndexes(ctx); err != nil {
		return abort(err)
	}
	if err := tx.db.catalog.Flush(); err != nil {
		return abort(err)
	}
	if err := tx.db.pages.Commit(); err != nil {
		return abort(err)
	}
	if err := tx.db.io.Commit(tx.snapshot.ID); err != nil {
		return abort(err)
	}

	tx.db.versions.AddVersions(tx.snapshot.ID, tx.ops)
	tx.db.txm.Commit(tx.snapshot.ID)
	tx.db.latches.CommitSerialization().Unlock()

	if tx.db.metrics != nil {
		tx.db.metrics.RecordCommit("ok", 0)
	}

	tx.db.maybeAutoCheckpoint()

	return tx.db.gc.NotifyCommit(ctx)
}

// flushTouchedIndexes walks every collection handle this process has open
// and flushes pending secondary-index ops, persisting a changed root page
// id into the catalog. It is conservative (flushes every open handle, not
// just the ones this transaction touched) since Secondary.Flush on a
// handle with nothing pending is a cheap no-op.
func (tx *Tx) flushTouchedIndexes(ctx context.Context) error {
	tx.db.mu.RLock()
	handles := make(map[string]*collectionHandle, len(tx.db.handles))
	for name, h := range tx.db.handles {
		handles[name] = h
	}
	tx.db.mu.RUnlock()

	for name, h := range handles {
		entry, ok := tx.db.catalog.Get(name)
		if !ok {
			continue
		}
		if entry.RootPageID != h.primary.RootPageID {
			if err := tx.db.catalog.SetRootPageID(name, h.primary.RootPageID); err != nil {
				return err
			}
		}
		for _, idx := range entry.Indexes {
			sec, ok := h.secondaries[idx.Name()]
			if !ok {
				continue
			}
			before := sec.RootPageID
			if _, err := sec.Flush(ctx, tx.snapshot.ID); err != nil {
				return err
			}
			if sec.RootPageID != before {
				if err := tx.db.catalog.SetIndexRootPageID(name, idx.Name(), sec.RootPageID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Rollback discards every buffered write. Since Commit is the only place
// this transaction's write-admission lock and physical overlay ever get
// opened, a transaction that never reached Commit has no durable state to
// unwind here — its buffered writes are simply dropped with it. A
// read-only transaction, or a read-write one that never wrote anything,
// just retires its snapshot so it stops holding back VersionGC.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.readOnly || tx.writing {
		tx.db.txm.Abort(tx.snapshot.ID)
	}
	return nil
}
