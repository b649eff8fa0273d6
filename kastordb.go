// Package kastordb is an embedded, snapshot-isolated document store: a
// single-file paged store with a write-ahead log, a primary B+Tree keyed
// by document id, secondary B+Trees over indexed fields, and MVCC
// multi-version reads. It consumes documents as opaque encoded bytes plus
// caller-extracted index field values — encoding, decoding, and schema
// live entirely in the embedding application.
package kastordb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/haavardsel/kastordb/internal/btree"
	"github.com/haavardsel/kastordb/internal/catalog"
	"github.com/haavardsel/kastordb/internal/dblog"
	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/mvcc"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

// Encryption carries an at-rest password and its derivation parameters.
// internal/pageio has no encryption support; Options.Encryption.Password
// is accepted so callers can see the configuration surface spec.md
// enumerates, but Open/Create reject a non-empty password rather than
// silently ignoring it.
type Encryption struct {
	Password string
	Params   []byte
}

// Options configures a database. The zero value is a usable default:
// page size 4096, WAL on, no encryption, GC sweeps at the default commit
// interval. AutoCheckpoint is false in the zero value, so no automatic
// checkpoint runs; AutoGarbageCollection is not read, and the GC interval
// applies whether or not it is set.
type Options struct {
	PageSize uint32 // must equal pageio.PageSize (4096) if set; see Open

	UseWal  bool // reserved: internal/walog is always used; see Open
	UseMmap bool // reserved: internal/pageio has no mmap path; see Open

	WalCheckpointThreshold int // commits (not WAL frames) between automatic checkpoints; 0 uses the package default
	AutoCheckpoint         bool

	GarbageCollectionThreshold int // commits between automatic sweeps; 0 uses the default
	AutoGarbageCollection      bool

	WarmupOnOpen       bool
	ExpansionPageCount uint32
	PageCacheSize      int // pages; 0 uses pageio's default

	Encryption Encryption

	Log     dblog.Config
	Metrics *dbmetrics.Metrics
}

// collectionHandle caches the open B+Tree handles for one collection so
// repeated operations don't reopen them from the catalog every time.
type collectionHandle struct {
	primary     *btree.Primary
	secondaries map[string]*btree.Secondary // index name -> tree
}

// DB is an open database. All exported methods are safe for concurrent
// use; write transactions serialize through the same commit-serialization
// lock the teacher's pager used for its own single-writer envelope.
type DB struct {
	path   string
	memory bool

	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager
	docs    *docstore.Store
	log     *dblog.Logger
	metrics *dbmetrics.Metrics

	mu      sync.RWMutex
	catalog *catalog.Catalog
	handles map[string]*collectionHandle

	versions *mvcc.VersionIndex
	txm      *mvcc.TransactionManager
	gc       *mvcc.VersionGC

	autoCheckpoint   bool
	checkpointEvery  int
	commitsSinceCkpt int
	checkpointMu     sync.Mutex
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.PageSize != 0 && opts.PageSize != pageio.PageSize {
		return opts, kerr.New("kastordb", kerr.UnsupportedVersion,
			fmt.Errorf("page size %d not supported, this build is fixed at %d", opts.PageSize, pageio.PageSize))
	}
	if opts.Encryption.Password != "" {
		return opts, kerr.New("kastordb", kerr.InvalidPassword,
			fmt.Errorf("encryption is not implemented in this build"))
	}
	if opts.WalCheckpointThreshold <= 0 {
		opts.WalCheckpointThreshold = defaultCheckpointThreshold
	}
	if opts.GarbageCollectionThreshold <= 0 {
		opts.GarbageCollectionThreshold = defaultGCThreshold
	}
	return opts, nil
}

const defaultCheckpointThreshold = 1000
const defaultGCThreshold = 64

// bootstrapTxID is the transaction id stamped on the very first commit a
// fresh file ever records: the empty catalog and allocator header written
// at Create time. Every document version's tx id is strictly greater,
// since mvcc.TransactionManager starts counting from 1 on an empty log and
// RecoverTo only ever raises the watermark.
const bootstrapTxID = 1

func newDB(path string, memory bool, pio *pageio.PageIO, opts Options) (*DB, error) {
	var log *dblog.Logger
	if opts.Log.Level != "" || opts.Log.Output != nil {
		log = dblog.New(opts.Log)
	} else {
		log = dblog.Noop()
	}

	var wal *walog.WAL
	var err error
	if memory {
		wal = walog.OpenMemory(opts.Metrics)
	} else {
		wal, err = walog.Open(path, opts.Metrics)
		if err != nil {
			return nil, err
		}
	}
	io, err := walog.OpenWalPageIO(pio, wal)
	if err != nil {
		return nil, err
	}

	latches := latch.New()
	fresh := io.TotalPages() == 0

	var pages *pagemgr.Manager
	if fresh {
		if err := io.BeginWrite(); err != nil {
			return nil, err
		}
		pages, err = pagemgr.Create(io, opts.Metrics)
		if err != nil {
			io.Abort()
			return nil, err
		}
		if err := io.Commit(bootstrapTxID); err != nil {
			return nil, err
		}
	} else {
		pages, err = pagemgr.Open(io, opts.Metrics)
		if err != nil {
			return nil, err
		}
	}

	cat, err := catalog.Load(io, pages)
	if err != nil {
		return nil, err
	}

	docs := docstore.New(io, pages, latches, opts.Metrics)

	txm := mvcc.NewTransactionManager()
	txm.RecoverTo(io.MaxCommittedTxID())

	versions := mvcc.NewVersionIndex()

	db := &DB{
		path:            path,
		memory:          memory,
		io:              io,
		pages:           pages,
		latches:         latches,
		docs:            docs,
		log:             log,
		metrics:         opts.Metrics,
		catalog:         cat,
		handles:         make(map[string]*collectionHandle),
		versions:        versions,
		txm:             txm,
		autoCheckpoint:  opts.AutoCheckpoint,
		checkpointEvery: opts.WalCheckpointThreshold,
	}

	if err := db.rebuildVersionIndex(); err != nil {
		return nil, err
	}

	gc := mvcc.NewVersionGC(versions, txm, docs, io, pages, latches, log, opts.Metrics)
	if opts.GarbageCollectionThreshold > 0 {
		gc.SetInterval(opts.GarbageCollectionThreshold)
	}
	gc.SetPrimaryPruner(db.pruneDeadDoc)
	db.gc = gc

	if opts.Metrics != nil {
		opts.Metrics.SetCollections(len(cat.List()))
	}

	return db, nil
}

// rebuildVersionIndex seeds VersionIndex from every collection's current
// primary-tree entries: see DESIGN.md's "Cross-restart version history"
// entry for why CreatedBy: 0 is exact, not an approximation, here.
func (db *DB) rebuildVersionIndex() error {
	for _, name := range db.catalog.List() {
		entry, _ := db.catalog.Get(name)
		tree := btree.OpenPrimary(entry.RootPageID, db.io, db.pages, db.latches)
		entries, err := tree.GetAllEntries(context.Background())
		if err != nil {
			return err
		}
		for docID, loc := range entries {
			db.versions.SeedVersion(name, docID, loc)
		}
	}
	return nil
}

// Create makes a new database file at path. It fails with kerr.FileExists
// if path already exists.
func Create(path string, opts Options) (*DB, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, kerr.New("kastordb", kerr.FileExists, nil)
	}
	pio, err := pageio.Open(path, pageio.Options{CacheSize: opts.PageCacheSize, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	return newDB(path, false, pio, opts)
}

// Open opens an existing database file at path, replaying its WAL if
// necessary. It fails with kerr.FileNotFound if path doesn't exist.
func Open(path string, opts Options) (*DB, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, kerr.New("kastordb", kerr.FileNotFound, err)
	}
	pio, err := pageio.Open(path, pageio.Options{CacheSize: opts.PageCacheSize, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	return newDB(path, false, pio, opts)
}

// OpenOrCreate opens path if it exists, or creates it otherwise.
func OpenOrCreate(path string, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err == nil {
		return Open(path, opts)
	}
	return Create(path, opts)
}

// OpenMemory opens an entirely in-memory database with no backing file
// and no WAL persistence — every write is durable only for the process's
// lifetime.
func OpenMemory(opts Options) (*DB, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	pio := pageio.OpenMemory(pageio.Options{CacheSize: opts.PageCacheSize, Metrics: opts.Metrics, SkipOSLock: true})
	return newDB(":memory:", true, pio, opts)
}

// Close checkpoints (unless the database is read-only; in-memory databases
// are checkpointed too) and releases the underlying file handles.
func (db *DB) Close() error {
	return db.io.Close()
}

// reloadCatalogAndHandles discards every cached collection handle and
// reloads the catalog from durable state. Called after an aborted write
// transaction: pagemgr/WAL state reverted to its pre-transaction shape,
// but any in-memory mutation this process made directly to cached
// *btree.Primary/*btree.Secondary structs (e.g. RootPageID after a split)
// or to the in-memory catalog map did not revert with it. Reopening
// everything fresh from the (correctly reverted) durable root page ids is
// simpler and safer than trying to snapshot/restore every cached handle.
func (db *DB) reloadCatalogAndHandles() error {
	cat, err := catalog.Load(db.io, db.pages)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.catalog = cat
	db.handles = make(map[string]*collectionHandle)
	db.mu.Unlock()
	return nil
}

// ensureCollectionHandle lazily opens (or, for a brand-new name, creates)
// a collection's primary tree and returns the cached handle plus its
// catalog entry. Creation happens inside the caller's already-active
// write transaction.
func (db *DB) ensureCollectionHandle(name string, create bool) (*collectionHandle, catalog.CollectionEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry, ok := db.catalog.Get(name)
	if !ok {
		if !create {
			return nil, catalog.CollectionEntry{}, kerr.New("kastordb", kerr.CollectionMissing, nil)
		}
		tree, err := btree.NewPrimary(db.io, db.pages, db.latches)
		if err != nil {
			return nil, catalog.CollectionEntry{}, err
		}
		if err := db.catalog.Create(name, tree.RootPageID); err != nil {
			return nil, catalog.CollectionEntry{}, err
		}
		entry, _ = db.catalog.Get(name)
		h := &collectionHandle{primary: tree, secondaries: make(map[string]*btree.Secondary)}
		db.handles[name] = h
		return h, entry, nil
	}

	if h, ok := db.handles[name]; ok {
		return h, entry, nil
	}
	h := &collectionHandle{
		primary:     btree.OpenPrimary(entry.RootPageID, db.io, db.pages, db.latches),
		secondaries: make(map[string]*btree.Secondary),
	}
	for _, idx := range entry.Indexes {
		h.secondaries[idx.Name()] = btree.OpenSecondary(idx.RootPageID, db.io, db.pages, db.latches)
	}
	db.handles[name] = h
	return h, entry, nil
}

// ensureCollectionCreated makes sure name exists in the catalog, creating an
// empty collection (and its primary tree's root page) under its own short
// admin transaction, the same shape CreateIndex uses, if this is its first
// mention. A transaction's buffering phase calls this ahead of anything
// else, since allocating that root page is the one piece of schema setup
// that can't be deferred to its eventual Commit alongside the rest of its
// writes.
func (db *DB) ensureCollectionCreated(name string) error {
	if _, ok := db.catalog.Get(name); ok {
		return nil
	}

	db.latches.CommitSerialization().Lock()
	defer db.latches.CommitSerialization().Unlock()

	if _, ok := db.catalog.Get(name); ok {
		return nil
	}

	admTx := db.txm.Begin()
	if err := db.io.BeginWrite(); err != nil {
		db.txm.Abort(admTx.ID)
		return err
	}
	db.pages.BeginTx()

	if _, _, err := db.ensureCollectionHandle(name, true); err != nil {
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
	return nil
}

// pruneDeadDoc removes a docId's primary-tree entry once VersionGC has
// decided no snapshot can reach it anymore. Wired into mvcc.VersionGC via
// SetPrimaryPruner; runs inside the GC's own write transaction.
func (db *DB) pruneDeadDoc(collection string, docID uint32) error {
	db.mu.RLock()
	h, ok := db.handles[collection]
	db.mu.RUnlock()
	if !ok {
		entry, exists := db.catalog.Get(collection)
		if !exists {
			return nil // collection already dropped
		}
		h = &collectionHandle{primary: btree.OpenPrimary(entry.RootPageID, db.io, db.pages, db.latches), secondaries: make(map[string]*btree.Secondary)}
	}
	if err := h.primary.Delete(context.Background(), docID); err != nil {
		return err
	}
	return db.persistPrimaryRoot(collection, h.primary)
}

func (db *DB) persistPrimaryRoot(collection string, tree *btree.Primary) error {
	entry, ok := db.catalog.Get(collection)
	if !ok || entry.RootPageID == tree.RootPageID {
		return nil
	}
	return db.catalog.SetRootPageID(collection, tree.RootPageID)
}

// maybeAutoCheckpoint runs a checkpoint every checkpointEvery commits when
// AutoCheckpoint is enabled. Called after a transaction's durable commit
// completes, outside the commit-serialization lock Commit already
// released, so it serializes through Checkpoint's own locking instead.
func (db *DB) maybeAutoCheckpoint() {
	if !db.autoCheckpoint {
		return
	}
	db.checkpointMu.Lock()
	db.commitsSinceCkpt++
	due := db.commitsSinceCkpt >= db.checkpointEvery
	if due {
		db.commitsSinceCkpt = 0
	}
	db.checkpointMu.Unlock()

	if due {
		_ = db.Checkpoint()
	}
}

// CacheStats reports the page cache's hit/miss counters and current
// size/capacity, passed through from the underlying pageio.PageIO.
func (db *DB) CacheStats() (hits, misses uint64, size, capacity int) {
	return db.io.Base().CacheStats()
}

// CacheHitRate reports the page cache's hit rate since open, or 0 if no
// lookups have happened yet.
func (db *DB) CacheHitRate() float64 {
	return db.io.Base().CacheHitRate()
}
