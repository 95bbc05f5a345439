// Package metrics provides Prometheus collectors for the adbfs caches and
// the remote transport. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adbfs"

// Collector owns a private registry so tests and multiple mounts never clash
// on the global one.
type Collector struct {
	registry          *prometheus.Registry
	cacheLookups      *prometheus.CounterVec
	transportCalls    *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
	chunkRefreshes    *prometheus.CounterVec
	chunkWaits        prometheus.Counter
	chunkBytes        prometheus.Counter
}

// New registers every adbfs collector plus the Go runtime collector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Metadata and directory cache lookups by result.",
		}, []string{"cache", "result"}),
		transportCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_calls_total",
			Help:      "Remote transport invocations by operation and result.",
		}, []string{"op", "result"}),
		transportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_duration_seconds",
			Help:      "Remote transport latency in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		chunkRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_refreshes_total",
			Help:      "Chunk window refreshes by staging mode and result.",
		}, []string{"mode", "result"}),
		chunkWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_waits_total",
			Help:      "Reads that waited for another reader's refresh.",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_staged_bytes_total",
			Help:      "Bytes pulled into the local mirror.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		c.cacheLookups,
		c.transportCalls,
		c.transportDuration,
		c.chunkRefreshes,
		c.chunkWaits,
		c.chunkBytes,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CacheLookup records a hit or miss on the named cache.
func (c *Collector) CacheLookup(cache string, hit bool) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(cache, hitLabel(hit)).Inc()
}

// TransportCall records one remote invocation.
func (c *Collector) TransportCall(op string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.transportCalls.WithLabelValues(op, resultLabel(err)).Inc()
	c.transportDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ChunkRefresh records one refresh of a chunk window. mode is "block" or "byte".
func (c *Collector) ChunkRefresh(mode string, staged int64, err error) {
	if c == nil {
		return
	}
	c.chunkRefreshes.WithLabelValues(mode, resultLabel(err)).Inc()
	if err == nil && staged > 0 {
		c.chunkBytes.Add(float64(staged))
	}
}

// ChunkWait records a reader that blocked on an in-flight refresh.
func (c *Collector) ChunkWait() {
	if c == nil {
		return
	}
	c.chunkWaits.Inc()
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
