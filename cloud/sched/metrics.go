package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus instruments. Each Scheduler gets
// its own set so several can share a process (tests, the network simulator).
type Metrics struct {
	RaysAssigned  prometheus.Counter
	BagsAssigned  prometheus.Counter
	TilesAssigned prometheus.Counter
	BagsEnqueued  prometheus.Counter
	BagsAcked     prometheus.Counter
	Samples       prometheus.Counter

	QueuedBags  prometheus.Gauge
	PendingBags prometheus.Gauge
	FreeWorkers prometheus.Gauge
	ActiveRays  *prometheus.GaugeVec
}

// NewMetrics registers the scheduler instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RaysAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_rays_assigned_total",
			Help: "Rays sent to workers in bags and camera tiles",
		}),
		BagsAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_bags_assigned_total",
			Help: "Ray bags sent to workers",
		}),
		TilesAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_tiles_assigned_total",
			Help: "Camera tiles sent to workers",
		}),
		BagsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_bags_enqueued_total",
			Help: "Ray bags received from workers and queued",
		}),
		BagsAcked: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_bags_acked_total",
			Help: "Ray bags whose completion a worker reported",
		}),
		Samples: f.NewCounter(prometheus.CounterOpts{
			Name: "treelet_sched_samples_total",
			Help: "Radiance samples received from workers",
		}),
		QueuedBags: f.NewGauge(prometheus.GaugeOpts{
			Name: "treelet_sched_queued_bags",
			Help: "Ray bags waiting for a worker",
		}),
		PendingBags: f.NewGauge(prometheus.GaugeOpts{
			Name: "treelet_sched_pending_bags",
			Help: "Ray bags sent and not yet acknowledged",
		}),
		FreeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "treelet_sched_free_workers",
			Help: "Workers in the free roster",
		}),
		ActiveRays: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treelet_sched_worker_active_rays",
			Help: "Unacknowledged rays per worker",
		}, []string{"worker"}),
	}
}
