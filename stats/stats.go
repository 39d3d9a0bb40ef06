// Package stats tracks kernel-wide counters as simple atomic values, plus
// a Prometheus registry exposing the same counters as gauges for whatever
// out-of-core observer wants them.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a simple atomic counter.
type Counter struct {
	v int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.v, 1) }

// Add adds delta to the counter (delta may be negative).
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.v, delta) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.v) }

// Registry aggregates the kernel-wide Prometheus gauges. A single instance
// is created at boot and threaded into threadpool/memset/cow/swap.
type Registry struct {
	FreeFrames   prometheus.Gauge
	ReadyThreads prometheus.Gauge
	SwappedPages prometheus.Gauge
	COWFastPath  prometheus.Counter
	COWCopies    prometheus.Counter

	reg *prometheus.Registry
}

// NewRegistry builds and registers all kernel gauges/counters in a fresh,
// isolated Prometheus registry (no default/global registerer, so multiple
// kernel instances can coexist in one test binary).
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.FreeFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nucleus_free_frames",
		Help: "Number of free physical frames in the allocator.",
	})
	r.ReadyThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nucleus_ready_threads",
		Help: "Number of threads currently in the Ready state.",
	})
	r.SwappedPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nucleus_swapped_pages",
		Help: "Number of pages currently resident on the swap backing store.",
	})
	r.COWFastPath = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nucleus_cow_fastpath_total",
		Help: "Write faults resolved by promoting the sole writer instead of copying.",
	})
	r.COWCopies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nucleus_cow_copies_total",
		Help: "Write faults resolved by copying the page to a fresh frame.",
	})
	r.reg.MustRegister(r.FreeFrames, r.ReadyThreads, r.SwappedPages, r.COWFastPath, r.COWCopies)
	return r
}

// Gather exposes the underlying Prometheus registry for test assertions or
// an out-of-core exporter to scrape (no HTTP handler is wired here; that is
// left to whatever process embeds this registry).
func (r *Registry) Gather() ([]*prometheus.MetricFamily, error) {
	return r.reg.Gather()
}
