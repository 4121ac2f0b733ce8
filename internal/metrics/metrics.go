package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mosaicstack",
			Subsystem: "units",
			Name:      "total",
			Help:      "Completed work units by kind and status.",
		},
		[]string{"kind", "status"},
	)
	unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mosaicstack",
			Subsystem: "units",
			Name:      "duration_seconds",
			Help:      "Work unit duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"kind", "status"},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mosaicstack",
			Subsystem: "run",
			Name:      "phase_transitions_total",
			Help:      "Orchestrator state transitions by target state.",
		},
		[]string{"state"},
	)
	seeingSigma = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mosaicstack",
			Subsystem: "psf",
			Name:      "seeing_sigma_pixels",
			Help:      "Measured per-frame PSF sigma in mosaic pixels.",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 16),
		},
	)
	tilesAssembled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mosaicstack",
			Subsystem: "mosaic",
			Name:      "tiles_assembled_total",
			Help:      "Tiles copied into a final mosaic.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(unitsTotal, unitDuration, phaseTransitions, seeingSigma, tilesAssembled)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordUnit(kind string, err error, duration time.Duration) {
	RegisterMetrics()
	status := "completed"
	if err != nil {
		status = "failed"
	}
	unitsTotal.WithLabelValues(kind, status).Inc()
	unitDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

func RecordPhase(state string) {
	RegisterMetrics()
	phaseTransitions.WithLabelValues(state).Inc()
}

// RecordSeeing observes a defined seeing estimate.
func RecordSeeing(sigma float64) {
	RegisterMetrics()
	seeingSigma.Observe(sigma)
}

func RecordAssembled(tiles int) {
	RegisterMetrics()
	tilesAssembled.Add(float64(tiles))
}
