// Package metrics exposes Prometheus instrumentation for the chunk store,
// the metadata ledger and the filesystem tree.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chanfs"

// Status labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds every collector chanfs registers.
type Metrics struct {
	registry *prometheus.Registry

	chunkOps         *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	chunkBytes       *prometheus.CounterVec
	remoteRetries    *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	ledgerOps        *prometheus.CounterVec
	rebuildDuration  prometheus.Histogram
	rebuildCorrupt   prometheus.Gauge
	rebuildDuplicate prometheus.Gauge
	treeNodes        *prometheus.GaugeVec
	publishes        *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors plus every
// chanfs metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		chunkOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_operations_total",
			Help:      "Chunk transport operations by operation and status",
		}, []string{"operation", "status"}),
		chunkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_operation_duration_seconds",
			Help:      "Duration of chunk transport operations, retries included",
			Buckets: []float64{
				0.01,  // 10ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
				30.0,  // 30s
				60.0,  // 1m
			},
		}, []string{"operation"}),
		chunkBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Plaintext bytes moved through the chunk store",
		}, []string{"direction"}), // upload or download
		remoteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Retried remote calls by operation",
		}, []string{"operation"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_cache_hits_total",
			Help:      "Decoded chunk cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_cache_misses_total",
			Help:      "Decoded chunk cache misses",
		}),
		ledgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Metadata ledger operations by operation and status",
		}, []string{"operation", "status"}),
		rebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_rebuild_duration_seconds",
			Help:      "Duration of full metadata rebuilds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		rebuildCorrupt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_corrupt_records",
			Help:      "Records skipped as malformed during the last rebuild",
		}),
		rebuildDuplicate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_duplicate_records",
			Help:      "Records shadowed by a newer record for the same path during the last rebuild",
		}),
		treeNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_nodes",
			Help:      "Nodes in the in-memory tree by kind",
		}, []string{"kind"}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_publishes_total",
			Help:      "File write publishes by status",
		}, []string{"status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// ObserveChunk records one chunk operation (send, fetch, delete).
func (m *Metrics) ObserveChunk(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.chunkOps.WithLabelValues(op, status(err)).Inc()
	m.chunkDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddBytes counts plaintext bytes; direction is "upload" or "download".
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunkBytes.WithLabelValues(direction).Add(float64(n))
}

// Retry counts one retried remote call.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.remoteRetries.WithLabelValues(op).Inc()
}

// CacheLookup records a decoded chunk cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// ObserveLedger records one ledger operation (persist, retract, rebuild).
func (m *Metrics) ObserveLedger(op string, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, status(err)).Inc()
}

// ObserveRebuild records the outcome of a full rebuild.
func (m *Metrics) ObserveRebuild(d time.Duration, corrupt, duplicates int) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(d.Seconds())
	m.rebuildCorrupt.Set(float64(corrupt))
	m.rebuildDuplicate.Set(float64(duplicates))
}

// SetTree records the current number of files and folders.
func (m *Metrics) SetTree(files, folders int) {
	if m == nil {
		return
	}
	m.treeNodes.WithLabelValues("file").Set(float64(files))
	m.treeNodes.WithLabelValues("folder").Set(float64(folders))
}

// ObservePublish records one write publish.
func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(status(err)).Inc()
}
