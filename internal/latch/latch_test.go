package latch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireSharedAllowsConcurrentReaders(t *testing.T) {
	m := New()
	s1, err := m.AcquireShared(context.Background(), []uint32{5})
	if err != nil {
		t.Fatalf("acquire shared 1: %v", err)
	}
	s2, err := m.AcquireShared(context.Background(), []uint32{5})
	if err != nil {
		t.Fatalf("acquire shared 2: %v", err)
	}
	s1.Release()
	s2.Release()
}

func TestAcquireExclusiveBlocksUntilSharedReleased(t *testing.T) {
	m := New()
	shared, err := m.AcquireShared(context.Background(), []uint32{7})
	if err != nil {
		t.Fatalf("acquire shared: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		excl, err := m.AcquireExclusive(context.Background(), []uint32{7})
		if err != nil {
			return
		}
		close(acquired)
		excl.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("expected exclusive acquire to block while a shared latch is held")
	case <-time.After(50 * time.Millisecond):
	}

	shared.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected exclusive acquire to proceed once the shared latch released")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	m := New()
	held, err := m.AcquireExclusive(context.Background(), []uint32{1})
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.AcquireExclusive(ctx, []uint32{1}); err == nil {
		t.Fatal("expected a cancelled context to abort the blocked acquire")
	}
}

func TestDDLAndCommitSerializationAreIndependentLocks(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	m.DDL().Lock()
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.CommitSerialization().Lock()
		m.CommitSerialization().Unlock()
	}()
	wg.Wait()
	m.DDL().Unlock()
}
