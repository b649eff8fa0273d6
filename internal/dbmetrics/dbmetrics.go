// Package dbmetrics exposes Prometheus instrumentation for the storage
// kernel. A *Metrics is optional: DB operates with a nil one at no cost,
// and only pays the promauto registration cost when a caller opts in via
// New.
package dbmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram the storage kernel
// updates during normal operation.
type Metrics struct {
	PagesAllocatedTotal prometheus.Counter
	PagesFreedTotal     prometheus.Counter
	PageCacheHits       prometheus.Counter
	PageCacheMisses     prometheus.Counter

	WalFramesWrittenTotal prometheus.Counter
	WalFsyncTotal         prometheus.Counter
	WalFsyncDuration      prometheus.Histogram
	WalRecoveredFrames    prometheus.Counter

	CommitsTotal   *prometheus.CounterVec
	CommitDuration prometheus.Histogram

	VersionChainLength prometheus.Histogram
	GcSweepsTotal      prometheus.Counter
	GcCollectedTotal   prometheus.Counter

	CollectionsTotal prometheus.Gauge
}

// New registers and returns a Metrics under reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PagesAllocatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_pages_allocated_total",
			Help: "Total number of pages allocated from the bitmap allocator.",
		}),
		PagesFreedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_pages_freed_total",
			Help: "Total number of pages returned to the free space map.",
		}),
		PageCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_page_cache_hits_total",
			Help: "Page cache lookups satisfied without disk I/O.",
		}),
		PageCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_page_cache_misses_total",
			Help: "Page cache lookups that required a disk read.",
		}),
		WalFramesWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_wal_frames_written_total",
			Help: "Total WAL frames appended, committed or not.",
		}),
		WalFsyncTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_wal_fsync_total",
			Help: "Total fsync calls issued against the WAL file.",
		}),
		WalFsyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kastordb_wal_fsync_duration_seconds",
			Help:    "Latency of WAL fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
		WalRecoveredFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_wal_recovered_frames_total",
			Help: "Committed frames replayed during crash recovery.",
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kastordb_commits_total",
			Help: "Transaction outcomes by result.",
		}, []string{"result"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kastordb_commit_duration_seconds",
			Help:    "Latency from commit request to durable commit.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		VersionChainLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kastordb_version_chain_length",
			Help:    "Observed length of a document's version chain at lookup time.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		GcSweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_gc_sweeps_total",
			Help: "Total version GC sweeps run.",
		}),
		GcCollectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kastordb_gc_collected_versions_total",
			Help: "Total obsolete versions unlinked and physically deleted.",
		}),
		CollectionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kastordb_collections_total",
			Help: "Current number of collections in the catalog.",
		}),
	}
}

// RecordCommit records a commit outcome and its latency. result is "ok" or
// "aborted".
func (m *Metrics) RecordCommit(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
	m.CommitDuration.Observe(d.Seconds())
}

// RecordFsync records WAL fsync latency.
func (m *Metrics) RecordFsync(d time.Duration) {
	if m == nil {
		return
	}
	m.WalFsyncTotal.Inc()
	m.WalFsyncDuration.Observe(d.Seconds())
}

func (m *Metrics) PageAllocated() {
	if m != nil {
		m.PagesAllocatedTotal.Inc()
	}
}

func (m *Metrics) PageFreed() {
	if m != nil {
		m.PagesFreedTotal.Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.PageCacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.PageCacheMisses.Inc()
	}
}

func (m *Metrics) WalFrameWritten() {
	if m != nil {
		m.WalFramesWrittenTotal.Inc()
	}
}

func (m *Metrics) WalFramesRecovered(n int) {
	if m != nil {
		m.WalRecoveredFrames.Add(float64(n))
	}
}

func (m *Metrics) VersionChain(length int) {
	if m != nil {
		m.VersionChainLength.Observe(float64(length))
	}
}

func (m *Metrics) GcSweep(collected int) {
	if m != nil {
		m.GcSweepsTotal.Inc()
		m.GcCollectedTotal.Add(float64(collected))
	}
}

func (m *Metrics) SetCollections(n int) {
	if m != nil {
		m.CollectionsTotal.Set(float64(n))
	}
}
