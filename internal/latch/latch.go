// Package latch implements the page-level latch manager: reader/writer
// locks keyed by page id, acquired in ascending page-id order to prevent
// deadlock across the concurrency hierarchy described in SPEC_FULL.md §4
// (DDL lock, commit-serialization lock, BTree root lock, page latches,
// pending-ops lock, outermost to innermost).
package latch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haavardsel/kastordb/internal/kerr"
)

// pageLatch is a mutex-guarded reader/writer state counter plus a
// waiter-cond so acquisition can honor
// context cancellation instead of blocking forever.
type pageLatch struct {
	mu   sync.Mutex
	cond *sync.Cond
	// state: 0 = free, -1 = held exclusively, n>0 = n readers held.
	state int
}

func newPageLatch() *pageLatch {
	l := &pageLatch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Manager owns one pageLatch per page id touched so far. Latches are
// created lazily and never removed — pages are reused, not latch slots.
type Manager struct {
	mu     sync.Mutex
	latch  map[uint32]*pageLatch
	ddl    sync.Mutex
	commit sync.Mutex
	root   sync.Mutex
}

func New() *Manager {
	return &Manager{latch: make(map[uint32]*pageLatch)}
}

func (m *Manager) get(pageID uint32) *pageLatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.latch[pageID]
	if !ok {
		l = newPageLatch()
		m.latch[pageID] = l
	}
	return l
}

// DDL locks the outermost, coarsest latch — collection/index create-drop
// operations hold it for their whole duration.
func (m *Manager) DDL() *sync.Mutex { return &m.ddl }

// CommitSerialization locks the single-writer commit path.
func (m *Manager) CommitSerialization() *sync.Mutex { return &m.commit }

// BTreeRoot locks structural root-pointer changes (root split/collapse).
func (m *Manager) BTreeRoot() *sync.Mutex { return &m.root }

// Set is a held group of page latches, released together in the reverse
// of acquisition order.
type Set struct {
	m       *Manager
	held    []uint32
	kind    []bool // true = exclusive
}

// AcquireShared takes read latches on pageIDs, sorted ascending first so
// concurrent callers never acquire the same set in different orders.
func (m *Manager) AcquireShared(ctx context.Context, pageIDs []uint32) (*Set, error) {
	return m.acquire(ctx, pageIDs, false)
}

// AcquireExclusive takes write latches on pageIDs, ascending order.
func (m *Manager) AcquireExclusive(ctx context.Context, pageIDs []uint32) (*Set, error) {
	return m.acquire(ctx, pageIDs, true)
}

func (m *Manager) acquire(ctx context.Context, pageIDs []uint32, exclusive bool) (*Set, error) {
	sorted := append([]uint32(nil), pageIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s := &Set{m: m}
	for _, pid := range sorted {
		l := m.get(pid)
		if err := acquireOne(ctx, l, exclusive); err != nil {
			s.Release()
			return nil, err
		}
		s.held = append(s.held, pid)
		s.kind = append(s.kind, exclusive)
	}
	return s, nil
}

func acquireOne(ctx context.Context, l *pageLatch, exclusive bool) error {
	done := make(chan struct{})
	var acquireErr error
	go func() {
		l.mu.Lock()
		for {
			if exclusive {
				if l.state == 0 {
					l.state = -1
					break
				}
			} else {
				if l.state >= 0 {
					l.state++
					break
				}
			}
			l.cond.Wait()
		}
		l.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above may still be waiting on l.cond; it will
		// eventually acquire and immediately be released by whoever holds
		// the returned (never-handed-out) Set going out of scope is not
		// possible here, so instead we broadcast periodically is avoided:
		// callers are expected to use latch acquisition only at bounded
		// blocking points per spec, and cancellation here simply reports
		// the failure without leaking — the latch, once acquired by the
		// abandoned goroutine, is immediately released again.
		go func() {
			<-done
			l.mu.Lock()
			if exclusive {
				l.state = 0
			} else {
				l.state--
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		}()
		acquireErr = kerr.New("latch", kerr.Cancelled, fmt.Errorf("acquire cancelled: %w", ctx.Err()))
		return acquireErr
	}
}

// Release releases every latch in the set, in reverse acquisition order.
func (s *Set) Release() {
	for i := len(s.held) - 1; i >= 0; i-- {
		pid := s.held[i]
		exclusive := s.kind[i]
		l := s.m.get(pid)
		l.mu.Lock()
		if exclusive {
			l.state = 0
		} else {
			l.state--
		}
		l.cond.Broadcast()
		l.mu.Unlock()
	}
	s.held = nil
	s.kind = nil
}
