// Package obs centralizes the structured logging and Prometheus metrics
// shared across the coordinator's components. It is the ambient
// observability layer carried alongside the coordinator core; none of it
// changes protocol behavior.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// SiteActions counts journaled per-site action lines, split by phase and
// recorded status: "todo" for PREPARE (journaled before it is issued),
// "OK" or "BAD" for COMMIT PREPARED/ROLLBACK PREPARED.
var SiteActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpc_site_actions_total",
	Help: "counter of remote site actions issued by the coordinator, by action and outcome",
}, []string{"action", "status"})

// TxnsetsResolved counts txnsets that reached a terminal phase.
var TxnsetsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpc_txnsets_total",
	Help: "counter of txnsets that reached a terminal phase",
}, []string{"phase"})

// RecoveryRetries counts passes through a RecoveryWorker's retry loop.
var RecoveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpc_recovery_retries_total",
	Help: "counter of RecoveryWorker retry-loop iterations",
}, []string{"txnset"})

// RecoverySitesResolved counts sites a RecoveryWorker has removed from its
// unresolved list, by how they were resolved.
var RecoverySitesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpc_recovery_sites_resolved_total",
	Help: "counter of sites resolved by recovery workers, by resolution reason",
}, []string{"reason"})

// RecoveryActiveWorkers gauges the number of RecoveryWorkers currently
// running under a Manager.
var RecoveryActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tpc_recovery_active_workers",
	Help: "gauge of RecoveryWorker goroutines currently running",
})

// Log returns the package-wide structured logger entry point, mirroring the
// teacher's convention of calling logrus's package-level functions directly
// rather than threading a *logrus.Logger through every call.
func Log() *logrus.Logger {
	return logrus.StandardLogger()
}
