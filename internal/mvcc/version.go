// Package mvcc implements snapshot-isolation multi-version concurrency
// control: per-document version chains, the transaction id allocator that
// defines what a snapshot can see, and the background collector that
// reclaims versions no live snapshot can reach anymore.
package mvcc

import (
	"sort"
	"sync"

	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/kerr"
)

// MaxTxID is the deletedBy sentinel for a version that is still live.
const MaxTxID = ^uint64(0)

// DocumentVersion is one entry in a (collection, docId) version chain.
type DocumentVersion struct {
	CreatedBy uint64
	DeletedBy uint64 // MaxTxID while live
	Location  docstore.Location
}

// Visible reports whether this version is visible to a reader whose
// snapshot is the given committed-tx watermark.
func (v DocumentVersion) Visible(snapshot uint64) bool {
	return v.CreatedBy <= snapshot && v.DeletedBy > snapshot
}

type chainKey struct {
	collection string
	docID      uint32
}

// Op describes one staged write against a version chain: either placing
// a new version (insert/replace) or tombstoning the current head
// (delete), guarded by the chain head observed at the transaction's
// snapshot time so a concurrent writer can be detected at validation.
type Op struct {
	Collection   string
	DocID        uint32
	ObservedHead uint64 // head.CreatedBy seen at snapshot time, or 0 if the chain was empty
	HadHead      bool
	Delete       bool
	Location     docstore.Location // ignored when Delete is true
}

// VersionIndex maps (collection, docId) to its newest-first version
// chain.
type VersionIndex struct {
	mu     sync.RWMutex
	chains map[chainKey][]DocumentVersion
}

// NewVersionIndex returns an empty index.
func NewVersionIndex() *VersionIndex {
	return &VersionIndex{chains: make(map[chainKey][]DocumentVersion)}
}

// ObservedHead returns the chain head's CreatedBy and whether one exists,
// used by a transaction to remember what it saw at snapshot time.
func (vi *VersionIndex) ObservedHead(collection string, docID uint32) (uint64, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	chain := vi.chains[chainKey{collection, docID}]
	if len(chain) == 0 {
		return 0, false
	}
	return chain[0].CreatedBy, true
}

// GetVisible returns the version visible to snapshot, newest-first.
func (vi *VersionIndex) GetVisible(collection string, docID uint32, snapshot uint64) (DocumentVersion, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	for _, v := range vi.chains[chainKey{collection, docID}] {
		if v.Visible(snapshot) {
			return v, true
		}
	}
	return DocumentVersion{}, false
}

// GetAllVisibleVersions scans every chain in a collection for the version
// visible to snapshot, used by compaction/rebuild.
func (vi *VersionIndex) GetAllVisibleVersions(collection string, snapshot uint64) map[uint32]DocumentVersion {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	out := make(map[uint32]DocumentVersion)
	for key, chain := range vi.chains {
		if key.collection != collection {
			continue
		}
		for _, v := range chain {
			if v.Visible(snapshot) {
				out[key.docID] = v
				break
			}
		}
	}
	return out
}

// addVersion links a new head for (collection, docId), closing out the
// prior head's visibility window. Callers must hold the commit
// serialization lock.
func (vi *VersionIndex) addVersion(collection string, docID uint32, createdBy uint64, loc docstore.Location) {
	key := chainKey{collection, docID}
	chain := vi.chains[key]
	if len(chain) > 0 {
		chain[0].DeletedBy = createdBy
	}
	chain = append([]DocumentVersion{{CreatedBy: createdBy, DeletedBy: MaxTxID, Location: loc}}, chain...)
	vi.chains[key] = chain
}

// tombstoneHead closes the current head's visibility window without
// linking a replacement — used for deletes.
func (vi *VersionIndex) tombstoneHead(collection string, docID uint32, deletedBy uint64) {
	key := chainKey{collection, docID}
	chain := vi.chains[key]
	if len(chain) == 0 {
		return
	}
	chain[0].DeletedBy = deletedBy
	vi.chains[key] = chain
}

// ValidateVersions confirms, for every op, that the chain head observed
// at the transaction's snapshot time still matches the chain head at
// validation time. A mismatch is a write-write conflict: some other
// transaction committed a version for this document after this one took
// its snapshot.
func (vi *VersionIndex) ValidateVersions(ops []Op) error {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	for _, op := range ops {
		chain := vi.chains[chainKey{op.Collection, op.DocID}]
		currentHead, hasHead := uint64(0), false
		if len(chain) > 0 {
			currentHead, hasHead = chain[0].CreatedBy, true
		}
		if hasHead != op.HadHead || (hasHead && currentHead != op.ObservedHead) {
			return kerr.New("mvcc", kerr.VersionConflict, nil)
		}
	}
	return nil
}

// AddVersions applies a validated batch of ops atomically. Callers must
// hold the commit serialization lock and must have called ValidateVersions
// successfully first.
func (vi *VersionIndex) AddVersions(txID uint64, ops []Op) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			vi.tombstoneHead(op.Collection, op.DocID, txID)
			continue
		}
		vi.addVersion(op.Collection, op.DocID, txID, op.Location)
	}
}

// chainSnapshot is an internal view used by the garbage collector: the
// chain key plus a copy of its versions, oldest-last.
type chainSnapshot struct {
	key      chainKey
	versions []DocumentVersion
}

// snapshotAllChains returns every chain, for GC's single scan pass. Keys
// are sorted for deterministic sweep order.
func (vi *VersionIndex) snapshotAllChains() []chainSnapshot {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	out := make([]chainSnapshot, 0, len(vi.chains))
	for key, chain := range vi.chains {
		out = append(out, chainSnapshot{key: key, versions: append([]DocumentVersion(nil), chain...)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.collection != out[j].key.collection {
			return out[i].key.collection < out[j].key.collection
		}
		return out[i].key.docID < out[j].key.docID
	})
	return out
}

// SeedVersion installs a document's current durable state as a chain with
// no history: CreatedBy 0 (visible to every snapshot) and DeletedBy
// MaxTxID (still live). Used only while rebuilding the index from a
// collection's primary-tree entries on Open — see the cross-restart
// version history note in DESIGN.md for why this floor is exact rather
// than approximate.
func (vi *VersionIndex) SeedVersion(collection string, docID uint32, loc docstore.Location) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	key := chainKey{collection, docID}
	vi.chains[key] = []DocumentVersion{{CreatedBy: 0, DeletedBy: MaxTxID, Location: loc}}
}

// dropTail replaces a chain's versions with the ones still needed,
// discarding whatever the GC collected.
func (vi *VersionIndex) dropTail(key chainKey, keep []DocumentVersion) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if len(keep) == 0 {
		delete(vi.chains, key)
		return
	}
	vi.chains[key] = keep
}
