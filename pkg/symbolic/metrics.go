package symbolic

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashkit/crashkit/pkg/util"
)

type metrics struct {
	fetchDuration *prometheus.HistogramVec
	fetchFileSize prometheus.Histogram

	cacheOperations *prometheus.CounterVec

	resolveDuration *prometheus.HistogramVec
	resolveOutcomes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crashkit_symbol_fetch_duration_seconds",
			Help:    "Time spent fetching symbol files from remote sources by status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		fetchFileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "crashkit_symbol_fetch_file_size_bytes",
			Help: "Size of symbol files fetched from remote sources.",
			// 1KB to 4GB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashkit_symbol_cache_operations_total",
			Help: "Total number of symbol cache operations by operation and status.",
		}, []string{"operation", "status"}),
		resolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crashkit_symbol_resolution_duration_seconds",
			Help:    "Time spent resolving a module to a parsed symbol file by outcome.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 60},
		}, []string{"outcome"}),
		resolveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashkit_symbol_resolution_outcomes_total",
			Help: "Per-module symbol resolution outcomes, one per module per run.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		m.fetchDuration = util.RegisterOrGet(reg, m.fetchDuration)
		m.fetchFileSize = util.RegisterOrGet(reg, m.fetchFileSize)
		m.cacheOperations = util.RegisterOrGet(reg, m.cacheOperations)
		m.resolveDuration = util.RegisterOrGet(reg, m.resolveDuration)
		m.resolveOutcomes = util.RegisterOrGet(reg, m.resolveOutcomes)
	}
	return m
}
