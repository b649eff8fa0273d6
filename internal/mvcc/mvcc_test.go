package mvcc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/walog"
)

// testKernel bundles the storage-kernel layers a GC test needs to drive
// its own miniature write transactions, mirroring how the root package
// wraps bootstrap and maintenance writes.
type testKernel struct {
	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager
	store   *docstore.Store
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	pio, err := pageio.Open(path, pageio.Options{})
	if err != nil {
		t.Fatalf("open pageio: %v", err)
	}
	wal, err := walog.Open(path, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	wio, err := walog.OpenWalPageIO(pio, wal)
	if err != nil {
		t.Fatalf("open wal page io: %v", err)
	}

	if err := wio.BeginWrite(); err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pm, err := pagemgr.Create(wio, nil)
	if err != nil {
		t.Fatalf("create pagemgr: %v", err)
	}
	if err := wio.Commit(1); err != nil {
		t.Fatalf("commit bootstrap: %v", err)
	}

	latches := latch.New()
	return &testKernel{io: wio, pages: pm, latches: latches, store: docstore.New(wio, pm, latches, nil)}
}

// insertDoc runs one InsertDocument inside its own write transaction, the
// way a real document insert would be wrapped by the root package.
func (k *testKernel) insertDoc(t *testing.T, doc []byte) docstore.Location {
	t.Helper()
	if err := k.io.BeginWrite(); err != nil {
		t.Fatalf("begin write: %v", err)
	}
	k.pages.BeginTx()
	loc, err := k.store.InsertDocument(doc)
	if err != nil {
		k.pages.Abort()
		k.io.Abort()
		t.Fatalf("insert document: %v", err)
	}
	if err := k.pages.Commit(); err != nil {
		t.Fatalf("commit pagemgr: %v", err)
	}
	if err := k.io.Commit(1); err != nil {
		t.Fatalf("commit wal: %v", err)
	}
	return loc
}

func tempStore(t *testing.T) *docstore.Store {
	t.Helper()
	return newTestKernel(t).store
}

func TestVersionIndexVisibility(t *testing.T) {
	vi := NewVersionIndex()
	loc1 := docstore.Location{PageID: 1, Slot: 0}
	loc2 := docstore.Location{PageID: 1, Slot: 1}

	vi.addVersion("docs", 1, 10, loc1)
	if v, ok := vi.GetVisible("docs", 1, 9); ok {
		t.Fatalf("expected no visible version before creation, got %+v", v)
	}
	v, ok := vi.GetVisible("docs", 1, 10)
	if !ok || v.Location != loc1 {
		t.Fatalf("expected loc1 visible at snapshot 10, got %+v ok=%v", v, ok)
	}

	vi.addVersion("docs", 1, 20, loc2)
	v, ok = vi.GetVisible("docs", 1, 15)
	if !ok || v.Location != loc1 {
		t.Fatalf("expected loc1 still visible at snapshot 15, got %+v", v)
	}
	v, ok = vi.GetVisible("docs", 1, 20)
	if !ok || v.Location != loc2 {
		t.Fatalf("expected loc2 visible at snapshot 20, got %+v", v)
	}
}

func TestValidateVersionsDetectsConflict(t *testing.T) {
	vi := NewVersionIndex()
	vi.addVersion("docs", 1, 10, docstore.Location{PageID: 1, Slot: 0})

	ok := []Op{{Collection: "docs", DocID: 1, ObservedHead: 10, HadHead: true, Location: docstore.Location{PageID: 1, Slot: 1}}}
	if err := vi.ValidateVersions(ok); err != nil {
		t.Fatalf("expected no conflict, got %v", err)
	}

	vi.addVersion("docs", 1, 15, docstore.Location{PageID: 1, Slot: 1})

	stale := []Op{{Collection: "docs", DocID: 1, ObservedHead: 10, HadHead: true, Location: docstore.Location{PageID: 1, Slot: 2}}}
	if err := vi.ValidateVersions(stale); err == nil {
		t.Fatal("expected conflict against stale observed head")
	}
}

func TestTransactionManagerSnapshotsAndCutoff(t *testing.T) {
	tm := NewTransactionManager()

	t1 := tm.Begin()
	if t1.Snapshot != 0 {
		t.Fatalf("expected first tx to snapshot 0, got %d", t1.Snapshot)
	}
	tm.Commit(t1.ID)

	t2 := tm.Begin()
	if t2.Snapshot != t1.ID {
		t.Fatalf("expected t2 to snapshot t1's commit, got %d want %d", t2.Snapshot, t1.ID)
	}

	if cutoff := tm.GCCutoff(); cutoff != t2.Snapshot {
		t.Fatalf("expected cutoff to track oldest active snapshot, got %d want %d", cutoff, t2.Snapshot)
	}

	tm.Commit(t2.ID)
	if cutoff := tm.GCCutoff(); cutoff != tm.LastCommittedTxID() {
		t.Fatalf("expected cutoff to equal last committed when quiescent, got %d want %d", cutoff, tm.LastCommittedTxID())
	}
}

func TestVersionGCCollectsDeadVersions(t *testing.T) {
	k := newTestKernel(t)
	vi := NewVersionIndex()
	tm := NewTransactionManager()
	gc := NewVersionGC(vi, tm, k.store, k.io, k.pages, k.latches, nil, nil)

	loc1 := k.insertDoc(t, []byte(`{"v":1}`))
	loc2 := k.insertDoc(t, []byte(`{"v":2}`))

	tx1 := tm.Begin()
	vi.AddVersions(tx1.ID, []Op{{Collection: "docs", DocID: 1, Location: loc1}})
	tm.Commit(tx1.ID)

	tx2 := tm.Begin()
	vi.AddVersions(tx2.ID, []Op{{Collection: "docs", DocID: 1, HadHead: true, ObservedHead: tx1.ID, Location: loc2}})
	tm.Commit(tx2.ID)

	stats, err := gc.Vacuum(context.Background())
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if stats.VersionsCollected != 1 {
		t.Fatalf("expected 1 collected version, got %d", stats.VersionsCollected)
	}

	if _, err := k.store.ReadDocument(loc1); err == nil {
		t.Fatal("expected superseded document to be gone after vacuum")
	}
	if _, err := k.store.ReadDocument(loc2); err != nil {
		t.Fatalf("expected live document still readable: %v", err)
	}
}
