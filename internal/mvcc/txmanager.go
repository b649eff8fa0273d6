package mvcc

import (
	"sync"
)

// Tx is a handle to an in-flight transaction: its own id and the
// committed-tx watermark its reads are pinned to.
type Tx struct {
	ID       uint64
	Snapshot uint64
}

// TransactionManager allocates monotonically increasing transaction ids,
// tracks which ones are still active, and exposes the committed-tx
// watermark new transactions snapshot against.
type TransactionManager struct {
	mu                sync.Mutex
	nextTxID          uint64
	lastCommittedTxID uint64
	active            map[uint64]uint64 // txID -> snapshot
}

// NewTransactionManager returns a manager with no committed history.
// Callers that recover from an existing WAL should follow up with
// RecoverTo.
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{active: make(map[uint64]uint64)}
}

// RecoverTo seeds lastCommittedTxID from the highest committed tx id found
// while replaying the WAL, so transactions started after recovery see
// every previously committed write.
func (tm *TransactionManager) RecoverTo(maxCommitted uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if maxCommitted > tm.lastCommittedTxID {
		tm.lastCommittedTxID = maxCommitted
	}
	if maxCommitted >= tm.nextTxID {
		tm.nextTxID = maxCommitted + 1
	}
}

// Begin allocates a new transaction id and pins its snapshot to the
// current committed-tx watermark.
func (tm *TransactionManager) Begin() Tx {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.nextTxID++
	tx := Tx{ID: tm.nextTxID, Snapshot: tm.lastCommittedTxID}
	tm.active[tx.ID] = tx.Snapshot
	return tx
}

// Commit retires a transaction and advances the committed watermark.
// Callers must hold the commit serialization lock so that commits become
// visible in an order consistent with tx id order.
func (tm *TransactionManager) Commit(txID uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.active, txID)
	if txID > tm.lastCommittedTxID {
		tm.lastCommittedTxID = txID
	}
}

// Abort retires a transaction without advancing the committed watermark:
// none of its versions were published.
func (tm *TransactionManager) Abort(txID uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.active, txID)
}

// LastCommittedTxID returns the current committed-tx watermark.
func (tm *TransactionManager) LastCommittedTxID() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lastCommittedTxID
}

// ActiveCount reports how many transactions are currently in flight.
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// OldestActiveSnapshot returns the infimum of all active transactions'
// snapshots, or MaxTxID if none are active — nothing bounds how far GC can
// advance in that case.
func (tm *TransactionManager) OldestActiveSnapshot() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	oldest := MaxTxID
	for _, snap := range tm.active {
		if snap < oldest {
			oldest = snap
		}
	}
	return oldest
}

// GCCutoff computes the watermark VersionGC may safely collect behind: the
// oldest active snapshot when transactions are in flight (nothing older
// than that can still be visible to anyone), or the full committed
// watermark when the system is quiescent.
func (tm *TransactionManager) GCCutoff() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.active) == 0 {
		return tm.lastCommittedTxID
	}
	oldest := MaxTxID
	for _, snap := range tm.active {
		if snap < oldest {
			oldest = snap
		}
	}
	return oldest
}
