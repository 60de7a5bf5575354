// Package metrics is the explicit metrics registry of a shardblob node.
//
// A Registry is created once, by the daemon or by a test, and passed to the
// components that report to it. There is no global state: two registries in
// one process never share a counter.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Well-known counter names.
const (
	CompactionBytesReclaimed = "shardblob_compaction_bytes_reclaimed_total"
	Compactions              = "shardblob_compactions_total"
	CompactionFailures       = "shardblob_compaction_failures_total"
	RecordsAppended          = "shardblob_records_appended_total"
	CatchUpRecords           = "shardblob_catchup_records_total"
)

var help = map[string]string{
	CompactionBytesReclaimed: "Bytes reclaimed by compaction across all partitions.",
	Compactions:              "Segments compacted.",
	CompactionFailures:       "Compactions aborted before publishing.",
	RecordsAppended:          "Records appended to partition logs.",
	CatchUpRecords:           "Records applied from peer replicas.",
}

// Registry owns a set of named counters and an operation latency histogram.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter

	ops *prometheus.HistogramVec
}

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		ops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardblob_operation_duration_seconds",
			Help:    "Latency of blob operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ops,
	)
	return r
}

// Counter returns the counter called name, creating it on first use. help
// is only used on creation; well-known names have a default.
// A nil registry returns a counter that is not exported.
func (r *Registry) Counter(name, helpText string) prometheus.Counter {
	if helpText == "" {
		helpText = help[name]
	}
	if helpText == "" {
		helpText = name
	}
	if r == nil {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: helpText})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: helpText})
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		c = are.ExistingCollector.(prometheus.Counter)
	}
	r.counters[name] = c
	return c
}

// ObserveOperation records the latency of one blob operation.
func (r *Registry) ObserveOperation(op string, d time.Duration, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.ops.WithLabelValues(op, status).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
