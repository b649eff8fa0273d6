package kastordb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCreateRejectsExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	if _, err := Create(path, Options{}); err == nil {
		t.Fatal("expected Create to fail against an existing file")
	}
}

func TestOpenRejectsMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("expected Open to fail against a missing file")
	}
}

func TestNormalizeOptionsRejectsEncryption(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "enc.db"), Options{Encryption: Encryption{Password: "hunter2"}}); err == nil {
		t.Fatal("expected an encryption password to be rejected")
	}
}

func TestNormalizeOptionsRejectsOddPageSize(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "page.db"), Options{PageSize: 8192}); err == nil {
		t.Fatal("expected a non-4096 page size to be rejected")
	}
}

func TestRoundTripThroughClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.db")
	db, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tx := db.Begin()
	docID, err := tx.Insert("widgets", []byte(`{"name":"sprocket"}`), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rtx := reopened.BeginReadOnly()
	doc, ok, err := rtx.GetById("widgets", docID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected document to survive reopen")
	}
	if string(doc) != `{"name":"sprocket"}` {
		t.Fatalf("unexpected document contents: %s", doc)
	}
}

func TestOpenMemoryNeverTouchesDisk(t *testing.T) {
	db, err := OpenMemory(Options{})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer db.Close()

	tx := db.Begin()
	if _, err := tx.Insert("widgets", []byte("x"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestOpenOrCreateCreatesThenOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ooc.db")

	db, err := OpenOrCreate(path, Options{})
	if err != nil {
		t.Fatalf("first open-or-create: %v", err)
	}
	db.Close()

	db2, err := OpenOrCreate(path, Options{})
	if err != nil {
		t.Fatalf("second open-or-create: %v", err)
	}
	db2.Close()
}
