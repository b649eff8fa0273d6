package pageio

import (
	"fmt"
	"os"
	"sync"

	"github.com/haavardsel/kastordb/internal/dbmetrics"
	"github.com/haavardsel/kastordb/internal/kerr"
)

// ErrReadOnly is returned when a write is attempted against a PageIO opened
// read-only.
var ErrReadOnly = kerr.New("pageio", kerr.IOError, fmt.Errorf("database is read-only"))

// PageIO is the raw fixed-size-page reader/writer: an LRU cache in front of
// a StorageFile, with an OS-level advisory lock guarding the file path
// against a second process opening it concurrently. It knows nothing about
// page types, the WAL, or MVCC — those are layered on top by pagemgr and
// walog.
type PageIO struct {
	mu   sync.RWMutex
	file StorageFile
	path string
	lock *fileLock

	readOnly   bool
	totalPages uint32
	cache      *lruCache
	metrics    *dbmetrics.Metrics
}

// Options configures how a PageIO is constructed.
type Options struct {
	ReadOnly    bool
	CacheSize   int // pages; 0 uses the default of 256
	Metrics     *dbmetrics.Metrics
	SkipOSLock  bool // used for :memory: databases, which have no real path
}

// Open opens an existing paged file, or creates one at path if it doesn't
// exist yet and opts.ReadOnly is false.
func Open(path string, opts Options) (*PageIO, error) {
	var lock *fileLock
	if !opts.SkipOSLock {
		l, err := lockFile(path)
		if err != nil {
			return nil, kerr.New("pageio", kerr.IOError, err)
		}
		lock = l
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if lock != nil {
			lock.unlock()
		}
		return nil, kerr.New("pageio", kerr.IOError, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		if lock != nil {
			lock.unlock()
		}
		return nil, kerr.New("pageio", kerr.IOError, err)
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}

	pio := &PageIO{
		file:       f,
		path:       path,
		lock:       lock,
		readOnly:   opts.ReadOnly,
		totalPages: uint32(info.Size() / PageSize),
		cache:      newLRUCache(cacheSize),
		metrics:    opts.Metrics,
	}
	return pio, nil
}

// OpenMemory opens an entirely in-memory PageIO, used for ephemeral
// databases and tests.
func OpenMemory(opts Options) *PageIO {
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &PageIO{
		file:    NewMemFile(),
		path:    ":memory:",
		cache:   newLRUCache(cacheSize),
		metrics: opts.Metrics,
	}
}

// Path returns the backing file path, or ":memory:".
func (p *PageIO) Path() string { return p.path }

// IsReadOnly reports whether writes are rejected.
func (p *PageIO) IsReadOnly() bool { return p.readOnly }

// TotalPages returns the number of pages currently allocated in the file,
// including page 0 (the header page).
func (p *PageIO) TotalPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalPages
}

// ReadPage reads one fixed-size page. Concurrent reads are allowed.
func (p *PageIO) ReadPage(pageID uint32) ([PageSize]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readUnlocked(pageID)
}

func (p *PageIO) readUnlocked(pageID uint32) ([PageSize]byte, error) {
	var buf [PageSize]byte
	if pageID >= p.totalPages {
		return buf, kerr.New("pageio", kerr.IOError, fmt.Errorf("page %d out of range (total=%d)", pageID, p.totalPages))
	}
	if data, ok := p.cache.get(pageID); ok {
		p.metrics.CacheHit()
		return data, nil
	}
	p.metrics.CacheMiss()
	if _, err := p.file.ReadAt(buf[:], int64(pageID)*PageSize); err != nil {
		return buf, kerr.New("pageio", kerr.IOError, fmt.Errorf("read page %d: %w", pageID, err))
	}
	p.cache.put(pageID, buf)
	return buf, nil
}

// WritePage writes one fixed-size page in place. The page must already
// exist (use Grow to extend the file first).
func (p *PageIO) WritePage(pageID uint32, data [PageSize]byte) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeUnlocked(pageID, data)
}

func (p *PageIO) writeUnlocked(pageID uint32, data [PageSize]byte) error {
	if pageID >= p.totalPages {
		return kerr.New("pageio", kerr.IOError, fmt.Errorf("page %d out of range (total=%d)", pageID, p.totalPages))
	}
	if _, err := p.file.WriteAt(data[:], int64(pageID)*PageSize); err != nil {
		return kerr.New("pageio", kerr.IOError, err)
	}
	p.cache.put(pageID, data)
	return nil
}

// Grow extends the file by n pages and returns the id of the first new
// page. The new pages are zero-filled lazily by the underlying file.
func (p *PageIO) Grow(n uint32) (uint32, error) {
	if p.readOnly {
		return 0, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first := p.totalPages
	newTotal := p.totalPages + n
	if err := p.file.Truncate(int64(newTotal) * PageSize); err != nil {
		return 0, kerr.New("pageio", kerr.IOError, err)
	}
	p.totalPages = newTotal
	p.metrics.PageAllocated()
	return first, nil
}

// InvalidatePage removes a page from the cache, used after an external
// writer (WAL recovery, relocation) bypasses WritePage.
func (p *PageIO) InvalidatePage(pageID uint32) {
	p.cache.invalidate(pageID)
}

// ClearCache drops every cached page.
func (p *PageIO) ClearCache() {
	p.cache.clear()
}

// CacheStats returns hit/miss counters plus current size and capacity.
func (p *PageIO) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}

// CacheHitRate returns the cache hit ratio in [0, 1].
func (p *PageIO) CacheHitRate() float64 {
	return p.cache.hitRate()
}

// Sync fsyncs the backing file.
func (p *PageIO) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return kerr.New("pageio", kerr.IOError, err)
	}
	return nil
}

// Close syncs and closes the backing file, releasing the OS-level lock.
func (p *PageIO) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var syncErr error
	if !p.readOnly {
		syncErr = p.file.Sync()
	}
	closeErr := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	if syncErr != nil {
		return kerr.New("pageio", kerr.IOError, syncErr)
	}
	if closeErr != nil {
		return kerr.New("pageio", kerr.IOError, closeErr)
	}
	return nil
}
