// Package metrics exposes Prometheus instrumentation for the store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics receives storage events.
type Metrics interface {
	AddBlobBytesWritten(ns string, n int64)
	IncBlobRead(ns, source string)
	IncReplicated(ns, result string)
	IncRefOp(ns, op, result string)
	AddRolledUp(records, failures int)
	AddEvicted(ns string, n int)
	IncBatchOp(op, status string)
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) AddBlobBytesWritten(string, int64)              {}
func (Noop) IncBlobRead(string, string)                     {}
func (Noop) IncReplicated(string, string)                   {}
func (Noop) IncRefOp(string, string, string)                {}
func (Noop) AddRolledUp(int, int)                           {}
func (Noop) AddEvicted(string, int)                         {}
func (Noop) IncBatchOp(string, string)                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	blobBytes  *prometheus.CounterVec
	blobReads  *prometheus.CounterVec
	replicated *prometheus.CounterVec
	refOps     *prometheus.CounterVec
	rolledUp   prometheus.Counter
	rollupFail prometheus.Counter
	evicted    *prometheus.CounterVec
	batchOps   *prometheus.CounterVec
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewProm registers collectors on reg under the given metric namespace.
func NewProm(reg prometheus.Registerer, namespace string) *Prom {
	p := &Prom{
		blobBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_bytes_written_total",
			Help:      "Blob bytes accepted by namespace",
		}, []string{"namespace"}),
		blobReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_reads_total",
			Help:      "Blob reads by namespace and source (local, remote, miss)",
		}, []string{"namespace", "source"}),
		replicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_total",
			Help:      "Remote replication transfers by namespace and result",
		}, []string{"namespace", "result"}),
		refOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ref_operations_total",
			Help:      "Ref record operations by namespace, operation and result",
		}, []string{"namespace", "op", "result"}),
		rolledUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_records_total",
			Help:      "Last-access records persisted by rollup",
		}),
		rollupFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_failures_total",
			Help:      "Last-access records rollup failed to persist",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_evicted_total",
			Help:      "Ref records evicted by cleanup by namespace",
		}, []string{"namespace"}),
		batchOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_operations_total",
			Help:      "Batch operations by op and status",
		}, []string{"op", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(p.blobBytes, p.blobReads, p.replicated, p.refOps, p.rolledUp, p.rollupFail,
		p.evicted, p.batchOps, p.requests, p.latency)
	return p
}

func (p *Prom) AddBlobBytesWritten(ns string, n int64) {
	p.blobBytes.WithLabelValues(ns).Add(float64(n))
}

func (p *Prom) IncBlobRead(ns, source string) {
	p.blobReads.WithLabelValues(ns, source).Inc()
}

func (p *Prom) IncReplicated(ns, result string) {
	p.replicated.WithLabelValues(ns, result).Inc()
}

func (p *Prom) IncRefOp(ns, op, result string) {
	p.refOps.WithLabelValues(ns, op, result).Inc()
}

func (p *Prom) AddRolledUp(records, failures int) {
	p.rolledUp.Add(float64(records))
	p.rollupFail.Add(float64(failures))
}

func (p *Prom) AddEvicted(ns string, n int) {
	p.evicted.WithLabelValues(ns).Add(float64(n))
}

func (p *Prom) IncBatchOp(op, status string) {
	p.batchOps.WithLabelValues(op, status).Inc()
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
