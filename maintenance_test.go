package kastordb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haavardsel/kastordb/internal/catalog"
)

func TestCreateIndexThenDropIndex(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateIndex("users", []catalog.FieldSpec{{Name: "email"}}, true); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if err := db.CreateIndex("users", []catalog.FieldSpec{{Name: "email"}}, true); err == nil {
		t.Fatal("expected a duplicate CreateIndex call to fail")
	}

	indexes, err := db.GetIndexes("users")
	if err != nil {
		t.Fatalf("get indexes: %v", err)
	}
	if len(indexes) != 1 {
		t.Fatalf("expected 1 index, got %d", len(indexes))
	}

	if err := db.DropIndex("users", indexes[0].Name); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	indexes, err = db.GetIndexes("users")
	if err != nil {
		t.Fatalf("get indexes after drop: %v", err)
	}
	if len(indexes) != 0 {
		t.Fatalf("expected 0 indexes after drop, got %d", len(indexes))
	}
}

func TestGetCollectionInfoCountsLiveDocuments(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	id1, err := tx.Insert("notes", []byte("a"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tx.Insert("notes", []byte("b"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	info, err := db.GetCollectionInfo(context.Background(), "notes")
	if err != nil {
		t.Fatalf("collection info: %v", err)
	}
	if info.DocumentCount != 2 {
		t.Fatalf("expected 2 live documents, got %d", info.DocumentCount)
	}

	tx2 := db.Begin()
	if _, err := tx2.DeleteById("notes", id1, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx2.Commit(context.Background()); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	info, err = db.GetCollectionInfo(context.Background(), "notes")
	if err != nil {
		t.Fatalf("collection info after delete: %v", err)
	}
	if info.DocumentCount != 1 {
		t.Fatalf("expected 1 live document after delete, got %d", info.DocumentCount)
	}
}

func TestDropCollectionRemovesItFromCatalog(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	if _, err := tx.Insert("scratch", []byte("x"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.DropCollection("scratch", true); err != nil {
		t.Fatalf("drop collection: %v", err)
	}
	if _, err := db.GetCollectionInfo(context.Background(), "scratch"); err == nil {
		t.Fatal("expected a dropped collection to be missing")
	}
}

func TestCompactToPreservesDocumentsAndIndexes(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateIndex("users", []catalog.FieldSpec{{Name: "email"}}, true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	tx := db.Begin()
	keepID, err := tx.Insert("users", []byte(`{"email":"a@example.com"}`), []IndexField{{Name: "email", Value: EncodeStringField("a@example.com")}})
	if err != nil {
		t.Fatalf("insert keep: %v", err)
	}
	dropID, err := tx.Insert("users", []byte(`{"email":"b@example.com"}`), []IndexField{{Name: "email", Value: EncodeStringField("b@example.com")}})
	if err != nil {
		t.Fatalf("insert drop: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := db.Begin()
	if _, err := tx2.DeleteById("users", dropID, []IndexField{{Name: "email", Value: EncodeStringField("b@example.com")}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx2.Commit(context.Background()); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	target := filepath.Join(t.TempDir(), "compact.db")
	if err := db.CompactTo(context.Background(), target); err != nil {
		t.Fatalf("compact to: %v", err)
	}

	dst, err := Open(target, Options{})
	if err != nil {
		t.Fatalf("open compacted: %v", err)
	}
	defer dst.Close()

	info, err := dst.GetCollectionInfo(context.Background(), "users")
	if err != nil {
		t.Fatalf("compacted collection info: %v", err)
	}
	if info.DocumentCount != 1 {
		t.Fatalf("expected 1 live document in compacted db, got %d", info.DocumentCount)
	}

	rtx := dst.BeginReadOnly()
	ids, err := rtx.RangeByIndex("users", "email", EncodeStringField("a@example.com"))
	if err != nil {
		t.Fatalf("range by index on compacted db: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected the surviving document to still be indexed, got %d matches", len(ids))
	}

	doc, ok, err := rtx.GetById("users", ids[0])
	if err != nil || !ok {
		t.Fatalf("get compacted doc: ok=%v err=%v", ok, err)
	}
	if string(doc) != `{"email":"a@example.com"}` {
		t.Fatalf("unexpected compacted document: %s", doc)
	}
	_ = keepID
}

func TestVacuumCollectsSupersededVersions(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	docID, err := tx.Insert("docs", []byte("v1"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := db.Begin()
	if _, err := tx2.Replace("docs", docID, []byte("v2"), nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := tx2.Commit(context.Background()); err != nil {
		t.Fatalf("commit replace: %v", err)
	}

	result, err := db.Vacuum(context.Background())
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if result.VersionsCollected == 0 {
		t.Fatal("expected vacuum to collect the superseded version")
	}

	rtx := db.BeginReadOnly()
	doc, ok, err := rtx.GetById("docs", docID)
	if err != nil || !ok {
		t.Fatalf("get after vacuum: ok=%v err=%v", ok, err)
	}
	if string(doc) != "v2" {
		t.Fatalf("expected the current version to survive vacuum, got %s", doc)
	}
}
