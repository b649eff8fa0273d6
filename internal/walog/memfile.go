package walog

import (
	"io"
	"os"
	"sync"
	"time"
)

// memWalFile is a walFile backed by a growable byte slice with its own
// seek cursor, used by OpenMemory. Mirrors internal/pageio.MemFile, plus
// the sequential Write/Seek pair CommitGroup and Truncate rely on.
type memWalFile struct {
	mu   sync.Mutex
	data []byte
	pos  int64
}

func newMemWalFile() *memWalFile { return &memWalFile{} }

func (m *memWalFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memWalFile) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memWalFile) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memWalFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
	if m.pos > size {
		m.pos = size
	}
	return nil
}

func (m *memWalFile) Sync() error  { return nil }
func (m *memWalFile) Close() error { return nil }

func (m *memWalFile) Stat() (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memWalFileInfo{size: int64(len(m.data))}, nil
}

type memWalFileInfo struct{ size int64 }

func (fi *memWalFileInfo) Name() string       { return "memwal" }
func (fi *memWalFileInfo) Size() int64        { return fi.size }
func (fi *memWalFileInfo) Mode() os.FileMode  { return 0644 }
func (fi *memWalFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *memWalFileInfo) IsDir() bool        { return false }
func (fi *memWalFileInfo) Sys() interface{}   { return nil }
