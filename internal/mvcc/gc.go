package mvcc

import (
	"context"

	"github.com/haavardsel/kastordb/internal/dblog"
	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/docstore"
	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/latch"
	"github.com/haavardsel/kastordb/internal/pagemgr"
	"github.com/haavardsel/kastordb/internal/walog"
)

// defaultGCInterval is how many commits accumulate before VersionGC sweeps
// automatically, absent an explicit vacuum call.
const defaultGCInterval = 64

// VacuumStats summarizes one sweep: how many versions were unlinked, how
// many chains were inspected, and how many document pages got compacted
// as a result.
type VacuumStats struct {
	VersionsCollected int
	DocsProcessed     int
	PagesCompacted    int
}

// VersionGC reclaims document versions that have fallen behind every live
// snapshot: it walks each version chain, finds the oldest version still
// visible to the cutoff, and unlinks everything older whose visibility
// window already closed before the cutoff. A sweep that finds anything to
// collect runs as its own write transaction, acquiring the same
// commit-serialization lock a user transaction would.
type VersionGC struct {
	index   *VersionIndex
	txm     *TransactionManager
	docs    *docstore.Store
	io      *walog.WalPageIO
	pages   *pagemgr.Manager
	latches *latch.Manager
	log     *dblog.Logger
	metrics *dbmetrics.Metrics

	interval int
	commits  int
	pruneDoc func(collection string, docID uint32) error
}

// NewVersionGC wires a collector against the shared version index,
// transaction manager, document store, and the write-transaction plumbing
// (WAL overlay, page allocator, latch manager) it needs to commit its own
// sweeps.
func NewVersionGC(index *VersionIndex, txm *TransactionManager, docs *docstore.Store, io *walog.WalPageIO, pages *pagemgr.Manager, latches *latch.Manager, log *dblog.Logger, metrics *dbmetrics.Metrics) *VersionGC {
	return &VersionGC{
		index:    index,
		txm:      txm,
		docs:     docs,
		io:       io,
		pages:    pages,
		latches:  latches,
		log:      log,
		metrics:  metrics,
		interval: defaultGCInterval,
	}
}

// SetInterval overrides how many commits trigger an automatic sweep.
func (gc *VersionGC) SetInterval(n int) {
	if n > 0 {
		gc.interval = n
	}
}

// SetPrimaryPruner wires the hook Vacuum calls, inside its own write
// transaction, when a document's version chain has no versions left at
// all (every version's visibility window closed before the cutoff): the
// document is not merely superseded, it's gone, so its primary-tree entry
// needs removing too. nil (the default) skips pruning, which is fine for
// callers that never reach that state (e.g. a chain that only ever
// accumulates superseded-but-still-live-headed versions).
func (gc *VersionGC) SetPrimaryPruner(fn func(collection string, docID uint32) error) {
	gc.pruneDoc = fn
}

// NotifyCommit records that a transaction committed and runs a sweep once
// the configured number of commits has accumulated. Callers must not hold
// the commit-serialization lock when calling this — Vacuum acquires it
// itself.
func (gc *VersionGC) NotifyCommit(ctx context.Context) error {
	gc.commits++
	if gc.commits < gc.interval {
		return nil
	}
	gc.commits = 0
	_, err := gc.Vacuum(ctx)
	return err
}

type chainWork struct {
	key  chainKey
	keep []DocumentVersion
	dead []DocumentVersion
}

// Vacuum forces an immediate sweep regardless of the commit counter. A
// sweep that finds nothing to collect never opens a write transaction. One
// that does runs as a single commit: every tryDeleteDocument and page
// compaction it performs is staged against the WAL overlay exactly like a
// user transaction's writes, then committed (or aborted on the first
// error) as one atomic group.
func (gc *VersionGC) Vacuum(ctx context.Context) (VacuumStats, error) {
	cutoff := gc.txm.GCCutoff()

	var work []chainWork
	chains := gc.index.snapshotAllChains()
	for _, chain := range chains {
		if err := ctx.Err(); err != nil {
			return VacuumStats{}, kerr.New("mvcc", kerr.Cancelled, err)
		}
		keep, dead := partitionChain(chain.versions, cutoff)
		if len(dead) == 0 {
			continue
		}
		work = append(work, chainWork{key: chain.key, keep: keep, dead: dead})
	}
	stats := VacuumStats{DocsProcessed: len(chains)}
	if len(work) == 0 {
		return stats, nil
	}

	gc.latches.CommitSerialization().Lock()
	defer gc.latches.CommitSerialization().Unlock()

	vacuumTx := gc.txm.Begin()
	if err := gc.io.BeginWrite(); err != nil {
		gc.txm.Abort(vacuumTx.ID)
		return stats, err
	}
	gc.pages.BeginTx()

	touchedPages := make(map[uint32]struct{})
	for _, w := range work {
		for _, v := range w.dead {
			if err := gc.tryDeleteDocument(v.Location); err != nil {
				gc.pages.Abort()
				gc.io.Abort()
				gc.txm.Abort(vacuumTx.ID)
				return stats, err
			}
			touchedPages[v.Location.PageID] = struct{}{}
			stats.VersionsCollected++
		}
		if len(w.keep) == 0 && gc.pruneDoc != nil {
			if err := gc.pruneDoc(w.key.collection, w.key.docID); err != nil {
				gc.pages.Abort()
				gc.io.Abort()
				gc.txm.Abort(vacuumTx.ID)
				return stats, err
			}
		}
	}
	stats.PagesCompacted = len(touchedPages)
	if err := gc.compactTouchedPages(touchedPages); err != nil {
		gc.pages.Abort()
		gc.io.Abort()
		gc.txm.Abort(vacuumTx.ID)
		return stats, err
	}
	if err := gc.pages.Commit(); err != nil {
		gc.io.Abort()
		gc.txm.Abort(vacuumTx.ID)
		return stats, err
	}
	if err := gc.io.Commit(vacuumTx.ID); err != nil {
		gc.txm.Abort(vacuumTx.ID)
		return stats, err
	}
	gc.txm.Commit(vacuumTx.ID)

	for _, w := range work {
		gc.index.dropTail(w.key, w.keep)
	}

	if gc.log != nil && stats.VersionsCollected > 0 {
		gc.log.Debug().Int("collected", stats.VersionsCollected).Uint64("cutoff", cutoff).Msg("version gc swept chains")
	}
	if gc.metrics != nil {
		gc.metrics.GcSweep(stats.VersionsCollected)
	}
	return stats, nil
}

// partitionChain splits a newest-first version chain into the prefix still
// reachable from the cutoff (the first cutoff-visible version and
// everything newer) and the suffix that no snapshot at or after cutoff can
// reach anymore.
func partitionChain(versions []DocumentVersion, cutoff uint64) (keep, dead []DocumentVersion) {
	cutVisible := -1
	for i, v := range versions {
		if v.Visible(cutoff) {
			cutVisible = i
			break
		}
	}
	if cutVisible < 0 {
		// No version is visible at cutoff: every version whose deletedBy
		// is at or before cutoff is dead, the rest (all still-live heads
		// created after cutoff, or not yet committed) are kept as-is.
		for _, v := range versions {
			if v.DeletedBy <= cutoff {
				dead = append(dead, v)
			} else {
				keep = append(keep, v)
			}
		}
		return keep, dead
	}
	keep = versions[:cutVisible+1]
	for _, v := range versions[cutVisible+1:] {
		if v.DeletedBy <= cutoff {
			dead = append(dead, v)
		} else {
			keep = append(keep, v)
		}
	}
	return keep, dead
}

// tryDeleteDocument frees a collected version's backing slot, tolerating
// the slot already being gone (a previous sweep or an explicit delete may
// have reached it first).
func (gc *VersionGC) tryDeleteDocument(loc docstore.Location) error {
	err := gc.docs.DeleteDocument(loc)
	if err == nil || kerr.Is(err, kerr.SlotDeleted) {
		return nil
	}
	return err
}

// compactTouchedPages runs page compaction on every document page the
// sweep freed slots from, whatever their free space, and rewrites the
// version chains' Locations from each page's slot remap. Primary-tree
// Locations are not rewritten here.
func (gc *VersionGC) compactTouchedPages(pages map[uint32]struct{}) error {
	for pageID := range pages {
		remap, err := gc.docs.Compact(pageID)
		if err != nil {
			return err
		}
		if len(remap) > 0 {
			gc.rewriteLocations(pageID, remap)
		}
	}
	return nil
}

// rewriteLocations updates any chain entries still pointing at pageID's
// pre-compaction slots to their post-compaction Location.
func (gc *VersionGC) rewriteLocations(oldPageID uint32, remap map[uint16]docstore.Location) {
	gc.index.mu.Lock()
	defer gc.index.mu.Unlock()
	for key, chain := range gc.index.chains {
		changed := false
		for i, v := range chain {
			if v.Location.PageID != oldPageID {
				continue
			}
			if newLoc, ok := remap[v.Location.Slot]; ok {
				chain[i].Location = newLoc
				changed = true
			}
		}
		if changed {
			gc.index.chains[key] = chain
		}
	}
}
