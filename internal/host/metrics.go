// Package host decides which archives are actively mounted and replicating,
// enforces storage quotas, serializes concurrent mutations, and resolves
// hostnames to ownership records.
package host

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// hostMetricsOnce ensures metrics are only registered once.
var hostMetricsOnce sync.Once

// hostMetricsInstance is the singleton instance of host metrics.
var hostMetricsInstance *Metrics

// Metrics holds all Prometheus metrics for the archive host manager.
type Metrics struct {
	ActiveArchives  prometheus.Gauge
	SwarmJoins      prometheus.Counter
	Evictions       prometheus.Counter
	QuotaRejections prometheus.Counter
	ArchivesAdded   prometheus.Counter
	ArchivesRemoved prometheus.Counter
}

// InitMetrics initializes host metrics. Metrics are only registered once;
// subsequent calls return the same instance. A nil registry uses the
// default Prometheus registry.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	hostMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		hostMetricsInstance = &Metrics{
			ActiveArchives: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "swarmhost_active_archives",
				Help: "Number of archives currently mounted and replicating",
			}),
			SwarmJoins: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "swarmhost_swarm_joins_total",
				Help: "Total swarm joins performed by the archive cache",
			}),
			Evictions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "swarmhost_cache_evictions_total",
				Help: "Total archives evicted from the active cache",
			}),
			QuotaRejections: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "swarmhost_quota_rejections_total",
				Help: "Total admissions rejected by the quota check",
			}),
			ArchivesAdded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "swarmhost_archives_added_total",
				Help: "Total archives added",
			}),
			ArchivesRemoved: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "swarmhost_archives_removed_total",
				Help: "Total archives removed",
			}),
		}
	})

	return hostMetricsInstance
}
