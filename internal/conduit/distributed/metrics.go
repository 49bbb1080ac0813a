package distributed

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_distributed_session_seconds",
			Help:    "Duration of a worker session from START to FINISH, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	dialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_distributed_dial_seconds",
			Help:    "Time to establish a worker connection including retries, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workersUnavailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_distributed_workers_unavailable_total",
			Help: "Total number of workers retired after a failed dial, lost connection or missed heartbeat.",
		},
	)

	forcedReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_distributed_forced_reclaims_total",
			Help: "Total number of cancelled sessions dropped after the reclaim timeout.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionDuration)
	prometheus.MustRegister(dialDuration)
	prometheus.MustRegister(workersUnavailable)
	prometheus.MustRegister(forcedReclaims)
}
