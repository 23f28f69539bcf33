// Package metrics exposes prometheus counters and histograms for the boot
// and snapshot pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	BootsTotal       *prometheus.CounterVec
	BootDuration     *prometheus.HistogramVec
	BuildsTotal      *prometheus.CounterVec
	BuildDuration    prometheus.Histogram
	RestoresTotal    *prometheus.CounterVec
	SnapshotsGCTotal prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BootsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbus",
			Name:      "boots_total",
			Help:      "Container boots by method.",
		}, []string{"method"}),
		BootDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nimbus",
			Name:      "boot_duration_seconds",
			Help:      "Time from boot request to a live engine.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbus",
			Name:      "snapshot_builds_total",
			Help:      "Snapshot builds by outcome.",
		}, []string{"outcome"}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nimbus",
			Name:      "snapshot_build_duration_seconds",
			Help:      "Duration of successful snapshot builds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
		}),
		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbus",
			Name:      "snapshot_restores_total",
			Help:      "Warm restores by outcome.",
		}, []string{"outcome"}),
		SnapshotsGCTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Name:      "snapshots_gc_total",
			Help:      "Snapshot artifact sets reclaimed by the garbage collector.",
		}),
	}
}
