package lsm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's operational counters against a
// caller-supplied registry, mirroring the teacher's pkg/metrics.Registry
// pattern (promauto.With(r.registry).New...) but scoped to storage-engine
// concerns rather than a whole graph database's HTTP/query/cluster surface.
type Metrics struct {
	Puts       prometheus.Counter
	Deletes    prometheus.Counter
	Gets       *prometheus.CounterVec // outcome: hit, miss
	Flushes    prometheus.Counter
	Compactions prometheus.Counter
	BytesWritten prometheus.Counter // registered only; the engine never increments it
	BytesRead    prometheus.Counter // registered only; the engine never increments it
	L0Files      prometheus.Gauge
	OpDuration   *prometheus.HistogramVec // op: put, get, delete, flush, compact
}

// NewMetrics registers the engine's counters against reg. Passing a fresh
// *prometheus.Registry per Engine avoids the global-registry collision that
// would occur if two engines were opened in the same process.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		Puts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_puts_total",
			Help: "Total number of put operations.",
		}),
		Deletes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_deletes_total",
			Help: "Total number of delete operations.",
		}),
		Gets: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lsmkv_gets_total",
			Help: "Total number of get operations by outcome.",
		}, []string{"outcome"}),
		Flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_flushes_total",
			Help: "Total number of MemTable flushes.",
		}),
		Compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_compactions_total",
			Help: "Total number of compactions run.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_bytes_written_total",
			Help: "Total bytes written to SSTs.",
		}),
		BytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_bytes_read_total",
			Help: "Total bytes read from SSTs.",
		}),
		L0Files: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_l0_files",
			Help: "Current number of L0 SSTs.",
		}),
		OpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lsmkv_operation_duration_seconds",
			Help:    "Latency of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
