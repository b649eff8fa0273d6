package catalog

import (
	"testing"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/pageio"
	"github.com/haavardsel/kastordb/internal/walog"
)

func newTestCatalog(t *testing.T) (*Catalog, *walog.WalPageIO, *pagemgr.Manager) {
	t.Helper()
	base := pageio.OpenMemory(pageio.Options{})
	wal := walog.OpenMemory(nil)
	io, err := walog.OpenWalPageIO(base, wal)
	if err != nil {
		t.Fatalf("open wal page io: %v", err)
	}
	if err := io.BeginWrite(); err != nil {
		t.Fatalf("begin write: %v", err)
	}
	pages, err := pagemgr.Create(io, nil)
	if err != nil {
		t.Fatalf("create pagemgr: %v", err)
	}
	pages.BeginTx()
	return New(io, pages), io, pages
}

func TestCreateThenGetReturnsEntry(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("users", 5); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, ok := c.Get("users")
	if !ok {
		t.Fatal("expected users to exist")
	}
	if e.RootPageID != 5 {
		t.Fatalf("expected root page 5, got %d", e.RootPageID)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("users", 5); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Create("users", 9); !kerr.Is(err, kerr.CollectionExists) {
		t.Fatalf("expected CollectionExists, got %v", err)
	}
}

func TestDropMissingCollectionFails(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Drop("ghost"); !kerr.Is(err, kerr.CollectionMissing) {
		t.Fatalf("expected CollectionMissing, got %v", err)
	}
}

func TestNextDocIDIncrementsMonotonically(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("users", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := c.NextDocID("users")
	if err != nil {
		t.Fatalf("next doc id: %v", err)
	}
	second, err := c.NextDocID("users")
	if err != nil {
		t.Fatalf("next doc id: %v", err)
	}
	if first != 0 || second != 1 {
		t.Fatalf("expected 0 then 1, got %d then %d", first, second)
	}
}

func TestAddIndexThenDropIndex(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("users", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	def := IndexDefinition{Fields: []FieldSpec{{Name: "email", Type: FieldString}}, RootPageID: 2, Unique: true}
	if err := c.AddIndex("users", def); err != nil {
		t.Fatalf("add index: %v", err)
	}
	e, _ := c.Get("users")
	if len(e.Indexes) != 1 || e.Indexes[0].Name() != "email" {
		t.Fatalf("expected one email index, got %v", e.Indexes)
	}

	if err := c.AddIndex("users", def); !kerr.Is(err, kerr.IndexExists) {
		t.Fatalf("expected IndexExists for a duplicate index name, got %v", err)
	}

	if err := c.DropIndex("users", "email"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	e, _ = c.Get("users")
	if len(e.Indexes) != 0 {
		t.Fatalf("expected no indexes after drop, got %v", e.Indexes)
	}

	if err := c.DropIndex("users", "email"); !kerr.Is(err, kerr.IndexMissing) {
		t.Fatalf("expected IndexMissing dropping an already-dropped index, got %v", err)
	}
}

func TestSetRootPageIDAndSetIndexRootPageID(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("users", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	def := IndexDefinition{Fields: []FieldSpec{{Name: "email", Type: FieldString}}, RootPageID: 2}
	if err := c.AddIndex("users", def); err != nil {
		t.Fatalf("add index: %v", err)
	}
	if err := c.SetRootPageID("users", 99); err != nil {
		t.Fatalf("set root page id: %v", err)
	}
	if err := c.SetIndexRootPageID("users", "email", 77); err != nil {
		t.Fatalf("set index root page id: %v", err)
	}
	e, _ := c.Get("users")
	if e.RootPageID != 99 {
		t.Fatalf("expected root page 99, got %d", e.RootPageID)
	}
	if e.Indexes[0].RootPageID != 77 {
		t.Fatalf("expected index root page 77, got %d", e.Indexes[0].RootPageID)
	}
}

func TestLoadRestoresPersistedEntries(t *testing.T) {
	c, io, pages := newTestCatalog(t)
	if err := c.Create("users", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	def := IndexDefinition{Fields: []FieldSpec{{Name: "email", Type: FieldString}}, RootPageID: 2, Unique: true}
	if err := c.AddIndex("users", def); err != nil {
		t.Fatalf("add index: %v", err)
	}
	if _, err := c.NextDocID("users"); err != nil {
		t.Fatalf("next doc id: %v", err)
	}

	reloaded, err := Load(io, pages)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, ok := reloaded.Get("users")
	if !ok {
		t.Fatal("expected users to survive a reload")
	}
	if e.NextDocID != 1 {
		t.Fatalf("expected NextDocID 1 after reload, got %d", e.NextDocID)
	}
	if len(e.Indexes) != 1 || e.Indexes[0].Name() != "email" || !e.Indexes[0].Unique {
		t.Fatalf("expected the email unique index to survive reload, got %v", e.Indexes)
	}
}

func TestListReturnsSortedNames(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.Create("zebras", 1); err != nil {
		t.Fatalf("create zebras: %v", err)
	}
	if err := c.Create("apples", 2); err != nil {
		t.Fatalf("create apples: %v", err)
	}
	names := c.List()
	if len(names) != 2 || names[0] != "apples" || names[1] != "zebras" {
		t.Fatalf("expected sorted [apples zebras], got %v", names)
	}
}
