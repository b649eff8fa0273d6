package kastordb

import (
	"bytes"
	"context"

	"github.com/haavardsel/kastordb/internal/btree"
	"github.com/haavardsel/kastordb/internal/catalog"
	"github.com/haavardsel/kastordb/internal/kerr"
)

// Checkpoint applies every committed WAL frame into the base file and
// truncates the log. Safe to call concurrently with read-only
// transactions; a concurrent write transaction is serialized behind the
// commit lock the same way a normal commit would be.
func (db *DB) Checkpoint() error {
	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()
	db.latches.CommitSerialization().Lock()
	defer db.latches.CommitSerialization().Unlock()
	return db.io.Checkpoint()
}

// VacuumResult mirrors the three counters a sweep reports.
type VacuumResult struct {
	VersionsCollected int
	DocsProcessed     int
	PagesCompacted    int
}

// Vacuum forces an immediate version-garbage-collection sweep instead of
// waiting for the automatic commit-count threshold.
func (db *DB) Vacuum(ctx context.Context) (VacuumResult, error) {
	stats, err := db.gc.Vacuum(ctx)
	return VacuumResult(stats), err
}

// CollectionInfo summarizes one collection's current shape.
type CollectionInfo struct {
	Name          string
	DocumentCount int
	Indexes       []IndexInfo
}

// IndexInfo summarizes one secondary index.
type IndexInfo struct {
	Name   string
	Fields []string
	Unique bool
}

// GetCollectionInfo reports name, a live document count (derived by
// walking the primary tree's current entries and checking each against
// VersionIndex, matching how Open rebuilds version history rather than
// maintaining a separate counter prone to drifting out of sync), and its
// indexes.
func (db *DB) GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	entry, ok := db.catalog.Get(name)
	if !ok {
		return CollectionInfo{}, kerr.New("kastordb", kerr.CollectionMissing, nil)
	}
	h, _, err := db.ensureCollectionHandle(name, false)
	if err != nil {
		return CollectionInfo{}, err
	}
	all, err := h.primary.GetAllEntries(ctx)
	if err != nil {
		return CollectionInfo{}, err
	}
	snapshot := db.txm.LastCommittedTxID()
	count := 0
	for docID := range all {
		if _, ok := db.versions.GetVisible(name, docID, snapshot); ok {
			count++
		}
	}
	info := CollectionInfo{Name: name, DocumentCount: count}
	for _, idx := range entry.Indexes {
		fields := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			fields[i] = f.Name
		}
		info.Indexes = append(info.Indexes, IndexInfo{Name: idx.Name(), Fields: fields, Unique: idx.Unique})
	}
	return info, nil
}

// GetIndexes returns every secondary index defined on a collection.
func (db *DB) GetIndexes(name string) ([]IndexInfo, error) {
	entry, ok := db.catalog.Get(name)
	if !ok {
		return nil, kerr.New("kastordb", kerr.CollectionMissing, nil)
	}
	out := make([]IndexInfo, 0, len(entry.Indexes))
	for _, idx := range entry.Indexes {
		fields := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			fields[i] = f.Name
		}
		out = append(out, IndexInfo{Name: idx.Name(), Fields: fields, Unique: idx.Unique})
	}
	return out, nil
}

// CreateIndex adds a new, initially empty secondary index over the named
// fields, creating the collection itself if this is its first mention —
// a schema can be declared with CreateIndex before any document exists,
// the same way spec.md's ensureIndexes is meant to run ahead of inserts.
// Existing documents are not backfilled — an index only ever reflects
// writes made after it was created, matching this build's
// extractIndexedFields(doc, writer) contract: the caller, not the core,
// knows how to pull field values back out of already-stored documents.
func (db *DB) CreateIndex(collection string, fields []catalog.FieldSpec, unique bool) error {
	db.latches.CommitSerialization().Lock()
	defer db.latches.CommitSerialization().Unlock()

	def := catalog.IndexDefinition{Fields: fields, Unique: unique}
	if entry, ok := db.catalog.Get(collection); ok {
		for _, existing := range entry.Indexes {
			if existing.Name() == def.Name() {
				return kerr.New("kastordb", kerr.IndexExists, nil)
			}
		}
	}

	admTx := db.txm.Begin()
	if err := db.io.BeginWrite(); err != nil {
		db.txm.Abort(admTx.ID)
		return err
	}
	db.pages.BeginTx()

	// ensureCollectionHandle's create path allocates the primary tree's root
	// page, which requires the write overlay opened just above to already
	// be active.
	h, _, err := db.ensureCollectionHandle(collection, true)
	if err != nil {
		db.pages.Abort()
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}

	sec, err := btree.NewSecondary(db.io, db.pages, db.latches)
	if err != nil {
		db.pages.Abort()
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	def.RootPageID = sec.RootPageID
	if err := db.catalog.AddIndex(collection, def); err != nil {
		db.pages.Abort()
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	if err := db.pages.Commit(); err != nil {
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	if err := db.io.Commit(admTx.ID); err != nil {
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	db.txm.Commit(admTx.ID)

	db.mu.Lock()
	h.secondaries[def.Name()] = sec
	db.mu.Unlock()
	return nil
}

// DropCollection removes a collection's catalog entry. Its primary and
// secondary tree pages and its documents are not reclaimed: they stay
// allocated, and deleteDocs has no effect. GetOrphanedSchema only inspects
// collections still in the catalog, so a dropped collection's pages do not
// appear in its report either.
func (db *DB) DropCollection(name string, deleteDocs bool) error {
	db.latches.CommitSerialization().Lock()
	defer db.latches.CommitSerialization().Unlock()

	admTx := db.txm.Begin()
	if err := db.io.BeginWrite(); err != nil {
		db.txm.Abort(admTx.ID)
		return err
	}
	db.pages.BeginTx()
	if err := db.catalog.Drop(name); err != nil {
		db.pages.Abort()
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		return err
	}
	if err := db.pages.Commit(); err != nil {
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	if err := db.io.Commit(admTx.ID); err != nil {
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	db.txm.Commit(admTx.ID)

	db.mu.Lock()
	delete(db.handles, name)
	db.mu.Unlock()
	_ = deleteDocs // accepted but unused: no pages or documents are reclaimed
	return nil
}

// DropIndex removes one secondary index definition from a collection. Its
// tree pages are not reclaimed: they stay allocated, and GetOrphanedSchema
// does not report them.
func (db *DB) DropIndex(collection, indexName string) error {
	db.latches.CommitSerialization().Lock()
	defer db.latches.CommitSerialization().Unlock()

	admTx := db.txm.Begin()
	if err := db.io.BeginWrite(); err != nil {
		db.txm.Abort(admTx.ID)
		return err
	}
	db.pages.BeginTx()
	if err := db.catalog.DropIndex(collection, indexName); err != nil {
		db.pages.Abort()
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		return err
	}
	if err := db.pages.Commit(); err != nil {
		db.io.Abort()
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	if err := db.io.Commit(admTx.ID); err != nil {
		db.txm.Abort(admTx.ID)
		_ = db.reloadCatalogAndHandles()
		return err
	}
	db.txm.Commit(admTx.ID)

	db.mu.Lock()
	if h, ok := db.handles[collection]; ok {
		delete(h.secondaries, indexName)
	}
	db.mu.Unlock()
	return nil
}

// OrphanedPage names one catalog-referenced root page the allocator no
// longer recognizes as in use.
type OrphanedPage struct {
	Collection string
	Index      string // empty for a collection's primary tree
	PageID     uint32
}

// GetOrphanedSchema walks every catalog entry's primary and secondary
// index root page ids and reports any the page allocator doesn't mark
// allocated. The atomic commit model this build uses for every catalog
// mutation should make this normally find nothing — it exists as a
// structural-consistency check, grounded on the torn states the teacher's
// own non-atomic DropCollection could leave behind.
func (db *DB) GetOrphanedSchema() []OrphanedPage {
	var out []OrphanedPage
	for _, name := range db.catalog.List() {
		entry, ok := db.catalog.Get(name)
		if !ok {
			continue
		}
		if !db.pages.IsAllocated(entry.RootPageID) {
			out = append(out, OrphanedPage{Collection: name, PageID: entry.RootPageID})
		}
		for _, idx := range entry.Indexes {
			if !db.pages.IsAllocated(idx.RootPageID) {
				out = append(out, OrphanedPage{Collection: name, Index: idx.Name(), PageID: idx.RootPageID})
			}
		}
	}
	return out
}

// CleanupOrphanedSchema returns GetOrphanedSchema's report. It reclaims no
// pages, and deleteDocs has no effect.
func (db *DB) CleanupOrphanedSchema(deleteDocs bool) ([]OrphanedPage, error) {
	found := db.GetOrphanedSchema()
	_ = deleteDocs
	return found, nil
}

// CompactTo rebuilds the database into a fresh file at targetPath: every
// live document (as of the current committed watermark) is re-inserted
// through a brand-new DB's own DocumentStorage/PrimaryBTree/SecondaryBTree
// writers, rather than copied as raw bytes, so freed slots, tombstoned
// versions, and stale index entries never make it into the new file.
func (db *DB) CompactTo(ctx context.Context, targetPath string) error {
	dst, err := Create(targetPath, Options{Metrics: db.metrics})
	if err != nil {
		return err
	}
	defer dst.Close()

	snapshot := db.txm.LastCommittedTxID()
	for _, name := range db.catalog.List() {
		entry, ok := db.catalog.Get(name)
		if !ok {
			continue
		}
		h, _, err := db.ensureCollectionHandle(name, false)
		if err != nil {
			return err
		}
		all, err := h.primary.GetAllEntries(ctx)
		if err != nil {
			return err
		}

		// Indexes are created before any document is inserted, so each
		// Insert below populates them directly rather than leaving them to
		// be backfilled separately.
		for _, idx := range entry.Indexes {
			if err := dst.CreateIndex(name, idx.Fields, idx.Unique); err != nil {
				return err
			}
		}
		fieldsByDoc, err := db.collectIndexFields(ctx, name, entry)
		if err != nil {
			return err
		}

		tx := dst.Begin()
		for docID := range all {
			v, ok := db.versions.GetVisible(name, docID, snapshot)
			if !ok {
				continue
			}
			doc, err := db.docs.ReadDocument(v.Location)
			if err != nil {
				if kerr.Is(err, kerr.SlotDeleted) {
					continue
				}
				_ = tx.Rollback()
				return err
			}
			if _, err := tx.Insert(name, doc, fieldsByDoc[docID]); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// collectIndexFields recovers, for every document, the field value it was
// last indexed under for each of the collection's secondary indexes — by
// decoding the indexes' own composite keys rather than re-parsing document
// bytes, which this build never does.
func (db *DB) collectIndexFields(ctx context.Context, collection string, entry catalog.CollectionEntry) (map[uint32][]IndexField, error) {
	h, _, err := db.ensureCollectionHandle(collection, false)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]IndexField)
	for _, idx := range entry.Indexes {
		sec, ok := h.secondaries[idx.Name()]
		if !ok {
			continue
		}
		keys, err := sec.GetAllKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, composite := range keys {
			fieldBytes, docID := btree.DecodeCompositeKey(composite)
			var value []byte
			if !bytes.Equal(fieldBytes, btree.NullKey) {
				value = append([]byte(nil), fieldBytes...)
			}
			out[docID] = append(out[docID], IndexField{Name: idx.Name(), Value: value})
		}
	}
	return out, nil
}
