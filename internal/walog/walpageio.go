package walog

import (
	"sort"
	"sync"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/pageio"
)

// WalPageIO layers the write-ahead log over a base pageio.PageIO as a
// copy-on-write overlay. A page read sees, in priority order: the active
// writer's staged (uncommitted) writes, which every ReadPage caller sees
// while a write is open, then the newest committed WAL frame for that
// page, then the base file. Writes are staged purely in
// memory until Commit, which appends them to the WAL as one atomic group
// and only then folds them into the WAL's committed index.
//
// Only one writer may be staging at a time (spec's commit-serialization
// lock); BeginWrite enforces that.
type WalPageIO struct {
	base *pageio.PageIO
	wal  *WAL

	mu      sync.Mutex
	staging map[uint32][]byte // current writer's uncommitted after-images
	active  bool
}

// OpenWalPageIO opens base and its companion WAL, then replays whatever the
// WAL already had committed into base — this is crash recovery.
func OpenWalPageIO(base *pageio.PageIO, wal *WAL) (*WalPageIO, error) {
	w := &WalPageIO{base: base, wal: wal, staging: make(map[uint32][]byte)}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WalPageIO) recover() error {
	committed := w.wal.CommittedPages()
	if len(committed) == 0 {
		return nil
	}
	for pid, data := range committed {
		for pid >= w.base.TotalPages() {
			if _, err := w.base.Grow(1); err != nil {
				return err
			}
		}
		var arr [pageio.PageSize]byte
		copy(arr[:], data)
		if err := w.base.WritePage(pid, arr); err != nil {
			return err
		}
	}
	if err := w.base.Sync(); err != nil {
		return err
	}
	return w.wal.Truncate()
}

// BeginWrite starts a new staging area for one writer transaction. It
// fails if another writer is already staging (global commit-serialization
// lock, spec §5).
func (w *WalPageIO) BeginWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return kerr.New("walpageio", kerr.IOError, errBusy)
	}
	w.active = true
	w.staging = make(map[uint32][]byte)
	return nil
}

var errBusy = kerr.New("walpageio", kerr.Cancelled, nil)

// ReadPage resolves a page through the overlay priority order.
func (w *WalPageIO) ReadPage(pageID uint32) ([pageio.PageSize]byte, error) {
	w.mu.Lock()
	if data, ok := w.staging[pageID]; ok {
		w.mu.Unlock()
		var arr [pageio.PageSize]byte
		copy(arr[:], data)
		return arr, nil
	}
	w.mu.Unlock()

	if data, ok := w.wal.CommittedPage(pageID); ok {
		var arr [pageio.PageSize]byte
		copy(arr[:], data)
		return arr, nil
	}
	return w.base.ReadPage(pageID)
}

// WritePage stages an after-image in memory; nothing touches the WAL file
// or the base file until Commit.
func (w *WalPageIO) WritePage(pageID uint32, data [pageio.PageSize]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return kerr.New("walpageio", kerr.IOError, errNoWriter)
	}
	cp := make([]byte, pageio.PageSize)
	copy(cp, data[:])
	w.staging[pageID] = cp
	return nil
}

var errNoWriter = kerr.New("walpageio", kerr.Cancelled, nil)

// Grow extends the base file and returns the first new page id. Growth is
// not staged — the spec treats page-count changes as immediately visible
// allocator state, distinct from the content written into those pages.
func (w *WalPageIO) Grow(n uint32) (uint32, error) {
	return w.base.Grow(n)
}

// TotalPages reports the base file's page count.
func (w *WalPageIO) TotalPages() uint32 {
	return w.base.TotalPages()
}

// Commit appends every staged page plus a trailing commit marker encoding
// txID to the WAL as one fsync'd group, then clears staging. The pages are
// now durable and visible to every future reader through the WAL's
// committed index, even though the base file hasn't been touched yet —
// that happens at Checkpoint. A transaction that stages no writes (a
// read-only transaction, or a write that touched nothing) commits as a
// no-op without appending anything.
func (w *WalPageIO) Commit(txID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return kerr.New("walpageio", kerr.IOError, errNoWriter)
	}
	if len(w.staging) == 0 {
		w.active = false
		return nil
	}
	order := make([]uint32, 0, len(w.staging))
	for pid := range w.staging {
		order = append(order, pid)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	if err := w.wal.CommitGroup(w.staging, order, txID); err != nil {
		return err
	}
	w.staging = make(map[uint32][]byte)
	w.active = false
	return nil
}

// MaxCommittedTxID reports the highest transaction id any commit marker in
// the underlying WAL has carried, for seeding TransactionManager.RecoverTo
// after Open.
func (w *WalPageIO) MaxCommittedTxID() uint64 {
	return w.wal.MaxCommittedTxID()
}

// Abort discards every staged write without touching the WAL file.
func (w *WalPageIO) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.staging = make(map[uint32][]byte)
	w.active = false
}

// Checkpoint applies every committed WAL frame into the base file, fsyncs
// it, then truncates the WAL.
func (w *WalPageIO) Checkpoint() error {
	committed := w.wal.CommittedPages()
	for pid, data := range committed {
		for pid >= w.base.TotalPages() {
			if _, err := w.base.Grow(1); err != nil {
				return err
			}
		}
		var arr [pageio.PageSize]byte
		copy(arr[:], data)
		if err := w.base.WritePage(pid, arr); err != nil {
			return err
		}
	}
	if err := w.base.Sync(); err != nil {
		return err
	}
	return w.wal.Truncate()
}

// Close checkpoints, then closes the WAL and base file.
func (w *WalPageIO) Close() error {
	if !w.base.IsReadOnly() {
		if err := w.Checkpoint(); err != nil {
			return err
		}
	}
	if err := w.wal.Close(); err != nil {
		return err
	}
	return w.base.Close()
}

// Base exposes the underlying PageIO for callers that need read-only
// direct access (e.g. catalog bootstrap before any transaction exists).
func (w *WalPageIO) Base() *pageio.PageIO { return w.base }
