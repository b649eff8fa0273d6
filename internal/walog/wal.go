package walog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/kerr"
)

const walHeaderSize = 24

var walMagic = [4]byte{'K', 'W', 'A', 'L'}

const walVersion uint32 = 1

// walFile abstracts the backing medium for a WAL: a real file on disk, or
// an in-memory buffer for :memory: databases, mirroring pageio.StorageFile.
type walFile interface {
	ReadAt(b []byte, off int64) (int, error)
	Write(b []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}

// WAL is the append-only frame log backing one database file. Its file
// carries a per-file seed (derived from a uuid generated the first time the
// file is created). Each frame's salt is derived from this seed and a
// per-process sequence number; loadCommitted does not check salts when
// replaying, so a frame is not rejected for carrying another file's salt.
type WAL struct {
	mu      sync.Mutex
	file    walFile
	path    string
	seed    uint64
	nextSeq uint32

	// committed holds, per pageID, the most recent committed after-image.
	// It is rebuilt from the file at Open and updated incrementally on
	// every successful Commit; it is what WalPageIO consults for "newest
	// committed frame" reads without re-scanning the file.
	committed map[uint32][]byte

	// maxCommittedTxID is the highest transaction id carried by any commit
	// marker seen so far, either replayed at Open or appended by
	// CommitGroup. A recovering TransactionManager seeds its watermark from
	// this.
	maxCommittedTxID uint64

	metrics *dbmetrics.Metrics
}

// Open opens or creates the WAL file at dbPath+".wal" and loads whatever
// committed frames are present (crash recovery is just "load what's
// committed"; applying them into the base file is WalPageIO's job).
func Open(dbPath string, metrics *dbmetrics.Metrics) (*WAL, error) {
	path := dbPath + ".wal"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kerr.New("walog", kerr.IOError, err)
	}

	w := &WAL{file: f, path: path, committed: make(map[uint32][]byte), metrics: metrics}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kerr.New("walog", kerr.IOError, err)
	}

	if info.Size() == 0 {
		w.seed = foldUUID(uuid.New())
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.loadCommitted(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenMemory returns a WAL with no backing file, for :memory: databases:
// its frames live only as long as the process does, exactly like a
// pageio.PageIO opened with pageio.OpenMemory.
func OpenMemory(metrics *dbmetrics.Metrics) *WAL {
	w := &WAL{file: newMemWalFile(), path: ":memory:.wal", committed: make(map[uint32][]byte), metrics: metrics}
	w.seed = foldUUID(uuid.New())
	_ = w.writeHeader()
	return w
}

func foldUUID(id uuid.UUID) uint64 {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[i+8])
	}
	return hi ^ lo
}

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], walVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], w.seed)
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	if _, err := w.file.Write(hdr[:]); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	return nil
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return kerr.New("walog", kerr.InvalidHeader, err)
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return kerr.New("walog", kerr.InvalidHeader, fmt.Errorf("bad magic"))
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != walVersion {
		return kerr.New("walog", kerr.UnsupportedVersion, fmt.Errorf("wal version %d", version))
	}
	w.seed = binary.LittleEndian.Uint64(hdr[8:16])
	return nil
}

// loadCommitted scans the file in order, grouping frames between commit
// markers, and keeps only groups that closed with a valid marker. A group
// cut short (truncated write, bad checksum) is dropped along with
// everything after it — file order is the recovery order.
func (w *WAL) loadCommitted() error {
	info, err := w.file.Stat()
	if err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	size := info.Size()
	offset := int64(walHeaderSize)

	var pending []frame
	var recoveredCount int

	// probe reads just the frame header; the whole frame (payload and
	// checksum) is re-read once its declared size is known.
	for offset < size {
		probe := make([]byte, frameHeaderSize)
		n, err := w.file.ReadAt(probe, offset)
		if n < frameHeaderSize || (err != nil && err != io.EOF) {
			break
		}
		declaredSize := binary.LittleEndian.Uint32(probe[4:8])
		commitMarker := binary.LittleEndian.Uint32(probe[8:12])
		total := frameHeaderSize + frameChecksumSize
		if commitMarker == 0 {
			total += int(declaredSize)
		}
		if offset+int64(total) > size {
			break
		}
		buf := make([]byte, total)
		if _, err := w.file.ReadAt(buf, offset); err != nil {
			break
		}
		f, ok := decodeFrame(buf)
		if !ok {
			break
		}
		offset += int64(total)

		if f.CommitMarker == 0 {
			pending = append(pending, f)
			continue
		}
		for _, pf := range pending {
			w.committed[pf.PageID] = pf.Data
			recoveredCount++
		}
		pending = nil
		if uint64(f.CommitMarker) > w.maxCommittedTxID {
			w.maxCommittedTxID = uint64(f.CommitMarker)
		}
	}
	w.metrics.WalFramesRecovered(recoveredCount)
	return nil
}

// MaxCommittedTxID returns the highest transaction id any commit marker has
// carried, either from replaying the file at Open or from commits appended
// since. A fresh WAL with no commits reports 0.
func (w *WAL) MaxCommittedTxID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCommittedTxID
}

// CommittedPage returns the newest committed after-image for pageID, if
// any frame has ever been committed for it.
func (w *WAL) CommittedPage(pageID uint32) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.committed[pageID]
	return data, ok
}

// CommittedPages returns a snapshot of every committed after-image,
// keyed by page id; used by checkpoint to flush the whole overlay.
func (w *WAL) CommittedPages() map[uint32][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[uint32][]byte, len(w.committed))
	for k, v := range w.committed {
		out[k] = v
	}
	return out
}

// CommitGroup appends one frame per entry in pages plus a trailing commit
// marker encoding txID, then performs a single fsync — the atomic group
// commit. Frame order within the group follows iteration of pages, which
// the caller should make deterministic (sorted by page id) to keep WAL
// files reproducible across runs. txID must be non-zero; the marker's
// zero value is reserved for "not a commit marker" in decodeFrame.
func (w *WAL) CommitGroup(pages map[uint32][]byte, order []uint32, txID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(order) == 0 {
		return nil
	}
	if txID == 0 {
		return kerr.New("walog", kerr.IOError, fmt.Errorf("commit group requires a non-zero transaction id"))
	}

	var buf []byte
	for _, pid := range order {
		data := pages[pid]
		w.nextSeq++
		fr := frame{PageID: pid, PageSize: uint32(len(data)), Salt: w.salt(w.nextSeq), Data: data}
		tmp := make([]byte, fr.encodedLen())
		fr.encode(tmp)
		buf = append(buf, tmp...)
	}
	w.nextSeq++
	marker := frame{CommitMarker: uint32(txID), Salt: w.salt(w.nextSeq)}
	tmp := make([]byte, marker.encodedLen())
	marker.encode(tmp)
	buf = append(buf, tmp...)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	if err := w.file.Sync(); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	w.metrics.WalFrameWritten()

	for _, pid := range order {
		w.committed[pid] = pages[pid]
	}
	if txID > w.maxCommittedTxID {
		w.maxCommittedTxID = txID
	}
	return nil
}

func (w *WAL) salt(seq uint32) uint32 {
	return uint32(w.seed) ^ seq
}

// Truncate discards every frame, used after a checkpoint has made them
// durable in the base file.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	if err := w.file.Sync(); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	w.committed = make(map[uint32][]byte)
	return nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return kerr.New("walog", kerr.IOError, err)
	}
	return nil
}
