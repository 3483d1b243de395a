// Package metrics registers the Prometheus collectors for semaphore
// operations via promauto, so every collector is self-registering on
// first use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AcquireResult labels the outcome of one Acquire call.
type AcquireResult string

const (
	AcquireResultAcquired AcquireResult = "acquired"
	AcquireResultTimeout  AcquireResult = "timeout"
	AcquireResultError    AcquireResult = "error"
)

var (
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsem_acquire_total",
		Help: "Total number of Acquire calls, labeled by semaphore name and outcome.",
	}, []string{"semaphore", "result"})

	PermitsReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsem_permits_reclaimed_total",
		Help: "Total permits recovered from dead owners, labeled by semaphore name.",
	}, []string{"semaphore"})

	HeartbeatFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsem_heartbeat_failures_total",
		Help: "Total heartbeat beats that failed to find their own row, labeled by owner.",
	}, []string{"owner"})

	AvailablePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsem_available_permits",
		Help: "Available permits last observed for a semaphore.",
	}, []string{"semaphore"})

	TotalPermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsem_total_permits",
		Help: "Configured total permits last observed for a semaphore.",
	}, []string{"semaphore"})
)
