package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reduction outcomes used as the outcome label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type Metrics struct {
	Reductions        *prometheus.CounterVec
	InputBuckets      prometheus.Histogram
	OutputBuckets     prometheus.Histogram
	Duration          prometheus.Histogram
	PartialsSubmitted prometheus.Counter
}

var bucketCountBuckets = prometheus.ExponentialBuckets(1, 4, 10)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Reductions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geogrid_reductions_total",
				Help: "Total number of grid reductions",
			},
			[]string{"outcome"},
		),
		InputBuckets: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geogrid_reduce_input_buckets",
				Help:    "Buckets across all inputs of a reduction",
				Buckets: bucketCountBuckets,
			},
		),
		OutputBuckets: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geogrid_reduce_output_buckets",
				Help:    "Buckets in a reduction result",
				Buckets: bucketCountBuckets,
			},
		),
		Duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geogrid_reduce_duration_seconds",
				Help:    "Duration of grid reductions in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		PartialsSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "geogrid_partials_submitted_total",
				Help: "Total number of shard partials stored",
			},
		),
	}
}

// ObserveReduce records one reduction. Bucket histograms only see
// successful reductions.
func (m *Metrics) ObserveReduce(inBuckets, outBuckets int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.Duration.Observe(took.Seconds())
	if err != nil {
		m.Reductions.WithLabelValues(OutcomeError).Inc()
		return
	}
	m.Reductions.WithLabelValues(OutcomeSuccess).Inc()
	m.InputBuckets.Observe(float64(inBuckets))
	m.OutputBuckets.Observe(float64(outBuckets))
}
