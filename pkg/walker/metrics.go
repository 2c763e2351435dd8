package walker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashkit/crashkit/pkg/util"
)

type metrics struct {
	framesTotal     *prometheus.CounterVec
	threadDuration  prometheus.Histogram
	truncatedStacks prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashkit_walker_frames_total",
			Help: "Total number of recovered stack frames by trust level.",
		}, []string{"trust"}),
		threadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crashkit_walker_thread_duration_seconds",
			Help:    "Time spent unwinding and symbolicating a single thread.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 60},
		}),
		truncatedStacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashkit_walker_truncated_stacks_total",
			Help: "Total number of stacks cut short at the frame limit.",
		}),
	}

	if reg != nil {
		m.framesTotal = util.RegisterOrGet(reg, m.framesTotal)
		m.threadDuration = util.RegisterOrGet(reg, m.threadDuration)
		m.truncatedStacks = util.RegisterOrGet(reg, m.truncatedStacks)
	}
	return m
}
