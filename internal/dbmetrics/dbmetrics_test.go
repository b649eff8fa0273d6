package dbmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordCommitIncrementsCommitsTotal(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordCommit("ok", 5*time.Millisecond)
	if got := counterValue(t, m.CommitsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 commit recorded, got %v", got)
	}
}

func TestGcSweepAccumulatesCollectedCount(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.GcSweep(3)
	m.GcSweep(2)
	if got := counterValue(t, m.GcCollectedTotal); got != 5 {
		t.Fatalf("expected 5 collected versions across two sweeps, got %v", got)
	}
	if got := counterValue(t, m.GcSweepsTotal); got != 2 {
		t.Fatalf("expected 2 sweeps recorded, got %v", got)
	}
}

func TestNilMetricsIsANoop(t *testing.T) {
	var m *Metrics
	// None of these should panic against a nil receiver.
	m.RecordCommit("ok", 0)
	m.PageAllocated()
	m.PageFreed()
	m.CacheHit()
	m.CacheMiss()
	m.WalFrameWritten()
	m.WalFramesRecovered(1)
	m.VersionChain(4)
	m.GcSweep(1)
	m.SetCollections(2)
}
