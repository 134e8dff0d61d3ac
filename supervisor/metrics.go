package supervisor

import "github.com/prometheus/client_golang/prometheus"

// activeSessions counts currently-running peer sessions across every
// Supervisor in the process, the same shape as the go-metrics gauges of
// discover/table.go (replicator/replicator.go uses go-metrics counters) but registered
// directly with github.com/prometheus/client_golang instead of bridged
// through rcrowley/go-metrics, since no replacement for the teacher's own
// metrics/prometheus adapter package survived pruning into this retrieval
// pack.
var activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "feedmesh",
	Subsystem: "supervisor",
	Name:      "active_sessions",
	Help:      "Number of peer sessions currently being driven to completion.",
})

func init() {
	prometheus.MustRegister(activeSessions)
}
