package observability

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "agentops"

// Prometheus holds the pull-based collectors served on the scrape path. It
// uses a private registry so tests and embedded servers do not collide on
// the global one.
type Prometheus struct {
	registry *prometheus.Registry
	path     string

	ingestTotal       *prometheus.CounterVec
	queueDroppedTotal prometheus.Counter
	writeFailedTotal  *prometheus.CounterVec
	writeDuration     *prometheus.HistogramVec
	rollupDuration    *prometheus.HistogramVec
}

// NewPrometheus builds a registry with the ingest and analytics collectors
// plus the Go runtime and process collectors.
func NewPrometheus(path string) *Prometheus {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/metrics"
	}

	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		path:     path,
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Count of ingest requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		queueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: "trace",
			Name:      "queue_dropped_total",
			Help:      "Count of ingest batches dropped because the async queue was full.",
		}),
		writeFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Subsystem: "trace",
			Name:      "write_failed_total",
			Help:      "Count of ingest batches dropped after storage write failures.",
		}, []string{"error_class"}),
		writeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Subsystem: "trace",
			Name:      "write_duration_seconds",
			Help:      "Duration of ingest batch writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		rollupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Subsystem: "analytics",
			Name:      "rollup_duration_seconds",
			Help:      "Duration of analytics rollup queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rollup", "status"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.ingestTotal,
		p.queueDroppedTotal,
		p.writeFailedTotal,
		p.writeDuration,
		p.rollupDuration,
	)
	return p
}

// Path returns the scrape path.
func (p *Prometheus) Path() string {
	return p.path
}

// Registry exposes the underlying registry for additional collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
