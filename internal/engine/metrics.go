package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

var (
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_samples_total",
			Help: "Total number of samples settled, by final status.",
		},
		[]string{"status"},
	)

	suspensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_suspensions_total",
			Help: "Total number of suspensions surfaced to callers.",
		},
	)

	sampleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_sample_duration_seconds",
			Help:    "Time from a sample starting on a resource until it settles.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	resourcesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_resources",
			Help: "Number of pool resources in each state.",
		},
		[]string{"state"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_runs_total",
			Help: "Total number of finished runs, by status.",
		},
		[]string{"status"},
	)

	invalidResumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_invalid_resumes_total",
			Help: "Total number of rejected resume attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(samplesTotal)
	prometheus.MustRegister(suspensionsTotal)
	prometheus.MustRegister(sampleDuration)
	prometheus.MustRegister(resourcesGauge)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(invalidResumes)

	for _, s := range []model.Status{model.StatusFinished, model.StatusFailed} {
		samplesTotal.WithLabelValues(string(s))
	}
	for _, s := range []string{model.RunFinished, model.RunCancelled} {
		runsTotal.WithLabelValues(s)
	}
}
