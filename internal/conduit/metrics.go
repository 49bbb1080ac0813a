package conduit

import "github.com/prometheus/client_golang/prometheus"

var (
	activeBodies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_conduit_active_bodies",
			Help: "Number of sample bodies currently started on a conduit.",
		},
		[]string{"conduit"},
	)

	forcedReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_conduit_forced_reclaims_total",
			Help: "Total number of cancelled bodies abandoned after the reclaim timeout.",
		},
		[]string{"conduit"},
	)
)

func init() {
	prometheus.MustRegister(activeBodies)
	prometheus.MustRegister(forcedReclaims)

	for _, name := range []string{NameCooperative, NameLocal} {
		activeBodies.WithLabelValues(name)
	}
	forcedReclaims.WithLabelValues(NameLocal)
}
