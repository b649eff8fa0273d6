package kastordb

import (
	"context"
	"testing"

	"github.com/haavardsel/kastordb/internal/catalog"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory(Options{})
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertGetByIdReplaceDelete(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	docID, err := tx.Insert("users", []byte(`{"v":1}`), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx := db.BeginReadOnly()
	doc, ok, err := rtx.GetById("users", docID)
	if err != nil || !ok {
		t.Fatalf("get after insert: doc=%s ok=%v err=%v", doc, ok, err)
	}

	tx2 := db.Begin()
	replaced, err := tx2.Replace("users", docID, []byte(`{"v":2}`), nil, nil)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !replaced {
		t.Fatal("expected replace to find the existing document")
	}
	if err := tx2.Commit(context.Background()); err != nil {
		t.Fatalf("commit replace: %v", err)
	}

	rtx2 := db.BeginReadOnly()
	doc, _, _ = rtx2.GetById("users", docID)
	if string(doc) != `{"v":2}` {
		t.Fatalf("expected replaced document, got %s", doc)
	}

	tx3 := db.Begin()
	deleted, err := tx3.DeleteById("users", docID, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to find the existing document")
	}
	if err := tx3.Commit(context.Background()); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	rtx3 := db.BeginReadOnly()
	_, ok, _ = rtx3.GetById("users", docID)
	if ok {
		t.Fatal("expected document to be gone after delete")
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	docID, err := tx.Insert("users", []byte("x"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rtx := db.BeginReadOnly()
	if _, ok, _ := rtx.GetById("users", docID); ok {
		t.Fatal("expected rolled-back insert to be invisible")
	}

	// The collection should still be usable afterward: insert again.
	tx2 := db.Begin()
	if _, err := tx2.Insert("users", []byte("y"), nil); err != nil {
		t.Fatalf("insert after rollback: %v", err)
	}
	if err := tx2.Commit(context.Background()); err != nil {
		t.Fatalf("commit after rollback: %v", err)
	}
}

func TestSnapshotIsolationHidesUncommittedWrites(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	docID, err := tx.Insert("users", []byte("initial"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := db.BeginReadOnly()

	writer := db.Begin()
	if _, err := writer.Replace("users", docID, []byte("updated"), nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := writer.Commit(context.Background()); err != nil {
		t.Fatalf("commit replace: %v", err)
	}

	doc, ok, err := reader.GetById("users", docID)
	if err != nil || !ok {
		t.Fatalf("reader get: doc=%s ok=%v err=%v", doc, ok, err)
	}
	if string(doc) != "initial" {
		t.Fatalf("expected reader's snapshot to stay at the pre-commit value, got %s", doc)
	}
}

func TestUniqueIndexRejectsDuplicateValue(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateIndex("users", []catalog.FieldSpec{{Name: "email"}}, true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	tx := db.Begin()
	if _, err := tx.Insert("users", []byte("a"), []IndexField{{Name: "email", Value: EncodeStringField("a@example.com")}}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tx.Insert("users", []byte("b"), []IndexField{{Name: "email", Value: EncodeStringField("a@example.com")}}); err == nil {
		t.Fatal("expected a duplicate unique value to be rejected")
	}
	_ = tx.Rollback()
}

func TestRangeByIndexFindsMatchingDocs(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateIndex("events", []catalog.FieldSpec{{Name: "kind"}}, false); err != nil {
		t.Fatalf("create index: %v", err)
	}

	tx := db.Begin()
	for _, kind := range []string{"click", "click", "view"} {
		if _, err := tx.Insert("events", []byte(kind), []IndexField{{Name: "kind", Value: EncodeStringField(kind)}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx := db.BeginReadOnly()
	ids, err := rtx.RangeByIndex("events", "kind", EncodeStringField("click"))
	if err != nil {
		t.Fatalf("range by index: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matching docs, got %d", len(ids))
	}
}

func TestRangeByPrimaryHonorsInclusivity(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	var ids []uint32
	for i := 0; i < 5; i++ {
		id, err := tx.Insert("items", []byte("x"), nil)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtx := db.BeginReadOnly()
	docs, err := rtx.RangeByPrimary("items", ids[1], ids[3], true, false)
	if err != nil {
		t.Fatalf("range by primary: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs in [ids[1], ids[3]), got %d", len(docs))
	}
}
