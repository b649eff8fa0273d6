// kastordb-cli is an interactive REPL against an embedded kastordb
// database. Documents are read and written as JSON on the command line;
// kastordb itself never parses them, so every command here is
// responsible for its own JSON encode/decode and for pulling index field
// values back out of the documents it inserts.
//
// Usage:
//
//	kastordb <file.db>
//	kastordb                  (temporary in-memory database)
//
// Dot-commands:
//
//	.help        show this help
//	.quit/.exit  leave the REPL
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/haavardsel/kastordb"
	"github.com/haavardsel/kastordb/internal/catalog"
	"github.com/haavardsel/kastordb/internal/kerr"
)

const version = "1.0.0"

func main() {
	fmt.Printf("kastordb v%s -- embedded document store\n", version)
	fmt.Println("Type .help for help, .quit to leave.")
	fmt.Println()

	var db *kastordb.DB
	var err error
	if len(os.Args) > 1 {
		path := os.Args[1]
		db, err = kastordb.OpenOrCreate(path, kastordb.Options{})
		fmt.Printf("database: %s\n", path)
	} else {
		db, err = kastordb.OpenMemory(kastordb.Options{})
		fmt.Println("in-memory database (discarded on exit)")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Println()

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for {
		fmt.Print("kastordb> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			if handleDotCommand(db, line) {
				break
			}
			continue
		}
		handleStatement(ctx, db, line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read error: %v\n", err)
	}
}

func handleDotCommand(db *kastordb.DB, cmd string) bool {
	parts := strings.Fields(cmd)
	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit":
		fmt.Println("bye.")
		return true

	case ".help":
		printHelp()

	case ".version":
		fmt.Printf("  kastordb v%s\n", version)

	case ".cache":
		hits, misses, size, capacity := db.CacheStats()
		rate := db.CacheHitRate()
		fmt.Printf("  page cache: %d/%d pages, %d hits, %d misses, %.1f%% hit rate\n",
			size, capacity, hits, misses, rate*100)

	case ".checkpoint":
		if err := db.Checkpoint(); err != nil {
			fmt.Printf("  checkpoint failed: %v\n", err)
			break
		}
		fmt.Println("  checkpoint complete")

	case ".vacuum":
		res, err := db.Vacuum(context.Background())
		if err != nil {
			fmt.Printf("  vacuum failed: %v\n", err)
			break
		}
		fmt.Printf("  versions collected: %d, docs processed: %d, pages compacted: %d\n",
			res.VersionsCollected, res.DocsProcessed, res.PagesCompacted)

	case ".orphans":
		orphans := db.GetOrphanedSchema()
		if len(orphans) == 0 {
			fmt.Println("  (none)")
			break
		}
		for _, o := range orphans {
			if o.Index != "" {
				fmt.Printf("  %s.%s -> page %d\n", o.Collection, o.Index, o.PageID)
			} else {
				fmt.Printf("  %s -> page %d\n", o.Collection, o.PageID)
			}
		}

	case ".compact":
		if len(parts) < 2 {
			fmt.Println("  usage: .compact <target-file>")
			break
		}
		if err := db.CompactTo(context.Background(), parts[1]); err != nil {
			fmt.Printf("  compact failed: %v\n", err)
			break
		}
		fmt.Printf("  compacted into %s\n", parts[1])

	default:
		fmt.Printf("  unknown command: %s (type .help)\n", parts[0])
	}
	return false
}

func printHelp() {
	fmt.Println(`Statements:
  insert <collection> <json>                 insert a document, print its docId
  get <collection> <docId>                    fetch one document
  delete <collection> <docId>                 tombstone a document
  range <collection> <start> <end>            primary-key range scan, inclusive
  byindex <collection> <index> <value>        secondary-index lookup
  createindex <collection> <field> [unique]   build a single-field index
  dropindex <collection> <index>
  dropcollection <collection>
  info <collection>                           document count and indexes

Dot-commands:
  .help        this help
  .version     version string
  .cache       page cache hit rate
  .checkpoint  apply WAL frames into the base file
  .vacuum      run a version garbage-collection sweep now
  .orphans     list catalog entries the page allocator no longer recognizes
  .compact <file>  rebuild the database into a new file
  .quit/.exit  leave`)
}

func handleStatement(ctx context.Context, db *kastordb.DB, line string) {
	parts := strings.SplitN(line, " ", 2)
	verb := strings.ToLower(parts[0])
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}

	switch verb {
	case "insert":
		cmdInsert(ctx, db, rest)
	case "get":
		cmdGet(ctx, db, rest)
	case "delete":
		cmdDelete(ctx, db, rest)
	case "range":
		cmdRange(ctx, db, rest)
	case "byindex":
		cmdByIndex(ctx, db, rest)
	case "createindex":
		cmdCreateIndex(db, rest)
	case "dropindex":
		cmdDropIndex(db, rest)
	case "dropcollection":
		cmdDropCollection(db, rest)
	case "info":
		cmdInfo(ctx, db, rest)
	default:
		fmt.Printf("  unknown statement: %s (type .help)\n", verb)
	}
}

func cmdInsert(ctx context.Context, db *kastordb.DB, rest string) {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) < 2 {
		fmt.Println("  usage: insert <collection> <json>")
		return
	}
	collection, raw := fields[0], fields[1]

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		fmt.Printf("  invalid JSON: %v\n", err)
		return
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		fmt.Printf("  encode failed: %v\n", err)
		return
	}

	idx, err := db.GetIndexes(collection)
	if err != nil && !isCollectionMissing(err) {
		fmt.Printf("  error: %v\n", err)
		return
	}
	indexFields := extractIndexFields(idx, doc)

	tx := db.Begin()
	docID, err := tx.Insert(collection, encoded, indexFields)
	if err != nil {
		_ = tx.Rollback()
		fmt.Printf("  insert failed: %v\n", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		fmt.Printf("  commit failed: %v\n", err)
		return
	}
	fmt.Printf("  inserted docId %d\n", docID)
}

func cmdGet(ctx context.Context, db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		fmt.Println("  usage: get <collection> <docId>")
		return
	}
	docID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		fmt.Printf("  bad docId: %v\n", err)
		return
	}
	tx := db.BeginReadOnly()
	defer tx.Rollback()
	doc, ok, err := tx.GetById(fields[0], uint32(docID))
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	if !ok {
		fmt.Println("  (not found)")
		return
	}
	fmt.Printf("  [#%d] %s\n", docID, string(doc))
}

func cmdDelete(ctx context.Context, db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		fmt.Println("  usage: delete <collection> <docId>")
		return
	}
	docID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		fmt.Printf("  bad docId: %v\n", err)
		return
	}

	idx, err := db.GetIndexes(fields[0])
	if err != nil && !isCollectionMissing(err) {
		fmt.Printf("  error: %v\n", err)
		return
	}
	oldIx := indexFieldsFromExisting(ctx, db, fields[0], uint32(docID), idx)

	tx := db.Begin()
	ok, err := tx.DeleteById(fields[0], uint32(docID), oldIx)
	if err != nil {
		_ = tx.Rollback()
		fmt.Printf("  delete failed: %v\n", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		fmt.Printf("  commit failed: %v\n", err)
		return
	}
	if ok {
		fmt.Println("  deleted")
	} else {
		fmt.Println("  (not found)")
	}
}

func cmdRange(ctx context.Context, db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		fmt.Println("  usage: range <collection> <start> <end>")
		return
	}
	start, err1 := strconv.ParseUint(fields[1], 10, 32)
	end, err2 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil {
		fmt.Println("  start/end must be integers")
		return
	}
	tx := db.BeginReadOnly()
	defer tx.Rollback()
	docs, err := tx.RangeByPrimary(fields[0], uint32(start), uint32(end), true, true)
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	printDocSet(docs)
}

func cmdByIndex(ctx context.Context, db *kastordb.DB, rest string) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) != 3 {
		fmt.Println("  usage: byindex <collection> <index> <value>")
		return
	}
	tx := db.BeginReadOnly()
	defer tx.Rollback()
	ids, err := tx.RangeByIndex(fields[0], fields[1], []byte(fields[2]))
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	docs := make(map[uint32][]byte, len(ids))
	for _, id := range ids {
		doc, ok, err := tx.GetById(fields[0], id)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			return
		}
		if ok {
			docs[id] = doc
		}
	}
	printDocSet(docs)
}

func cmdCreateIndex(db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		fmt.Println("  usage: createindex <collection> <field> [unique]")
		return
	}
	unique := len(fields) >= 3 && strings.EqualFold(fields[2], "unique")
	spec := []catalog.FieldSpec{{Name: fields[1], Type: catalog.FieldString}}
	if err := db.CreateIndex(fields[0], spec, unique); err != nil {
		fmt.Printf("  create index failed: %v\n", err)
		return
	}
	fmt.Println("  index created")
}

func cmdDropIndex(db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		fmt.Println("  usage: dropindex <collection> <index>")
		return
	}
	if err := db.DropIndex(fields[0], fields[1]); err != nil {
		fmt.Printf("  drop index failed: %v\n", err)
		return
	}
	fmt.Println("  index dropped")
}

func cmdDropCollection(db *kastordb.DB, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 1 {
		fmt.Println("  usage: dropcollection <collection>")
		return
	}
	if err := db.DropCollection(fields[0], true); err != nil {
		fmt.Printf("  drop collection failed: %v\n", err)
		return
	}
	fmt.Println("  collection dropped")
}

func cmdInfo(ctx context.Context, db *kastordb.DB, rest string) {
	name := strings.TrimSpace(rest)
	if name == "" {
		fmt.Println("  usage: info <collection>")
		return
	}
	info, err := db.GetCollectionInfo(ctx, name)
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	fmt.Printf("  %s: %d document(s)\n", info.Name, info.DocumentCount)
	for _, idx := range info.Indexes {
		tag := ""
		if idx.Unique {
			tag = " (unique)"
		}
		fmt.Printf("    index %s on %s%s\n", idx.Name, strings.Join(idx.Fields, ","), tag)
	}
}

func printDocSet(docs map[uint32][]byte) {
	if len(docs) == 0 {
		fmt.Println("  (no results)")
		return
	}
	ids := make([]uint32, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Printf("  [#%d] %s\n", id, string(docs[id]))
	}
	fmt.Printf("  --- %d document(s)\n", len(ids))
}

// extractIndexFields pulls an indexed field's value out of a decoded JSON
// document for every secondary index the collection already has, encoding
// it with the order-preserving helper that matches its runtime JSON type.
// A field missing from doc is indexed as null (an empty IndexField.Value).
func extractIndexFields(indexes []kastordb.IndexInfo, doc map[string]interface{}) []kastordb.IndexField {
	var out []kastordb.IndexField
	for _, idx := range indexes {
		if len(idx.Fields) != 1 {
			continue // composite indexes are not extractable from a flat CLI document
		}
		name := idx.Fields[0]
		v, ok := doc[name]
		if !ok {
			out = append(out, kastordb.IndexField{Name: idx.Name})
			continue
		}
		out = append(out, kastordb.IndexField{Name: idx.Name, Value: encodeJSONValue(v)})
	}
	return out
}

func encodeJSONValue(v interface{}) []byte {
	switch val := v.(type) {
	case string:
		return kastordb.EncodeStringField(val)
	case float64:
		return kastordb.EncodeFloat64Field(val)
	case bool:
		return kastordb.EncodeBoolField(val)
	default:
		return nil
	}
}

// indexFieldsFromExisting reads docId's current document back so delete can
// remove the right composite key from each secondary index; a read failure
// just means nothing gets removed from that index, matching a not-found
// DeleteById.
func indexFieldsFromExisting(ctx context.Context, db *kastordb.DB, collection string, docID uint32, indexes []kastordb.IndexInfo) []kastordb.IndexField {
	tx := db.BeginReadOnly()
	defer tx.Rollback()
	raw, ok, err := tx.GetById(collection, docID)
	if err != nil || !ok {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return extractIndexFields(indexes, doc)
}

func isCollectionMissing(err error) bool {
	return kerr.Is(err, kerr.CollectionMissing)
}
