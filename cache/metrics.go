package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the cache's Prometheus collectors.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Loads     prometheus.Counter
	Failures  prometheus.Counter
	Evictions prometheus.Counter
	Entries   prometheus.Gauge
	LoadTime  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "hits_total",
			Help: "Ensure calls served from a cached context.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "misses_total",
			Help: "Ensure calls that had to wait for a load.",
		}),
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "loads_total",
			Help: "Contexts built from the object store.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "load_failures_total",
			Help: "Loads that returned an error.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "evictions_total",
			Help: "Entries dropped by capacity, invalidation or a normalize mismatch.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "entries",
			Help: "Entries currently cached.",
		}),
		LoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dataroom", Subsystem: "cache", Name: "load_seconds",
			Help:    "Time to fetch, decrypt, decode and register a dataset.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Loads, m.Failures, m.Evictions, m.Entries, m.LoadTime)
	}
	return m
}
