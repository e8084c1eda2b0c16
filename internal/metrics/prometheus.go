package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Load sources
const (
	SourceCanonical = "canonical"
	SourceBackup    = "backup"
	SourceDefault   = "default"
	SourceCache     = "cache"
)

// Save outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeMerged   = "merged"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metrics for the document store
type Metrics struct {
	// Document operations
	LoadsTotal          *prometheus.CounterVec
	SavesTotal          *prometheus.CounterVec
	SaveRetriesTotal    prometheus.Counter
	SaveDuration        prometheus.Histogram
	SelfHealWritesTotal prometheus.Counter

	// Atomic writer
	WritesTotal         prometheus.Counter
	WriteDuration       prometheus.Histogram
	WriteBytes          prometheus.Histogram
	BackupFailuresTotal prometheus.Counter

	// Document cache
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheEntries      prometheus.Gauge
	CacheInvalidTotal prometheus.Counter

	// Repair sweep
	RepairTenantsTotal *prometheus.CounterVec

	// System
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "documents",
			Name:      "loads_total",
			Help:      "Document loads by the source that satisfied them",
		}, []string{"source"}),
		SavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "documents",
			Name:      "saves_total",
			Help:      "Document saves by outcome",
		}, []string{"outcome"}),
		SaveRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "documents",
			Name:      "save_retries_total",
			Help:      "Save attempts repeated because the revision moved",
		}),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guildstore",
			Subsystem: "documents",
			Name:      "save_duration_seconds",
			Help:      "Histogram of save durations including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		SelfHealWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "documents",
			Name:      "self_heal_writes_total",
			Help:      "Rewrites of legacy or damaged files performed on load",
		}),

		WritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "writer",
			Name:      "writes_total",
			Help:      "Completed atomic file replacements",
		}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guildstore",
			Subsystem: "writer",
			Name:      "write_duration_seconds",
			Help:      "Histogram of atomic write durations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		WriteBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guildstore",
			Subsystem: "writer",
			Name:      "write_bytes",
			Help:      "Histogram of written document sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 12), // 256B to 512KB
		}),
		BackupFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "writer",
			Name:      "backup_failures_total",
			Help:      "Backup copies that failed and were skipped",
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Document cache hits",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Document cache misses",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Documents currently cached",
		}),
		CacheInvalidTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache entries dropped because the file changed on disk",
		}),

		RepairTenantsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildstore",
			Subsystem: "repair",
			Name:      "tenants_total",
			Help:      "Tenants visited by the repair sweep by result",
		}, []string{"result"}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "system",
			Name:      "disk_usage_bytes",
			Help:      "Used bytes on the data directory filesystem",
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available bytes on the data directory filesystem",
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage of the data directory filesystem",
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated",
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "guildstore",
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Number of goroutines",
		}),
	}
}

// NewUnregistered returns metrics backed by a private registry, for callers
// that do not export them.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordLoad records a load satisfied by source
func (m *Metrics) RecordLoad(source string) {
	m.LoadsTotal.WithLabelValues(source).Inc()
}

// RecordSave records a finished save
func (m *Metrics) RecordSave(outcome string, duration time.Duration) {
	m.SavesTotal.WithLabelValues(outcome).Inc()
	m.SaveDuration.Observe(duration.Seconds())
}

// RecordSaveRetry records one repeated save attempt
func (m *Metrics) RecordSaveRetry() {
	m.SaveRetriesTotal.Inc()
}

// RecordSelfHeal records a rewrite performed on load
func (m *Metrics) RecordSelfHeal() {
	m.SelfHealWritesTotal.Inc()
}

// ObserveWrite implements atomicfile.Observer
func (m *Metrics) ObserveWrite(duration time.Duration, bytes int) {
	m.WritesTotal.Inc()
	m.WriteDuration.Observe(duration.Seconds())
	m.WriteBytes.Observe(float64(bytes))
}

// ObserveBackupFailure implements atomicfile.Observer
func (m *Metrics) ObserveBackupFailure() {
	m.BackupFailuresTotal.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheInvalidation records an entry dropped after an on-disk change
func (m *Metrics) RecordCacheInvalidation() {
	m.CacheInvalidTotal.Inc()
}

// UpdateCacheEntries sets the cached document count
func (m *Metrics) UpdateCacheEntries(entries int) {
	m.CacheEntries.Set(float64(entries))
}

// RecordRepair records the result of repairing one tenant
func (m *Metrics) RecordRepair(result string) {
	m.RepairTenantsTotal.WithLabelValues(result).Inc()
}

// UpdateSystemStats updates system-level metrics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if total := diskUsage + diskAvailable; total > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(total) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
