package netsim

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const csvHeader = "ms, rays_in_flight, rays_enqueued, rays_dequeued, camera_rays_launched, bounce_rays_launched, shadow_rays_launched, rays_completed, bytes_transferred, network_utilization"

// TickStats are the counters of one simulated millisecond.
type TickStats struct {
	MS                 int64
	RaysInFlight       uint64
	RaysEnqueued       uint64
	RaysDequeued       uint64
	CameraRaysLaunched uint64
	BounceRaysLaunched uint64
	ShadowRaysLaunched uint64
	RaysCompleted      uint64
	BytesTransferred   uint64
}

// Utilization is the fraction of the cluster's aggregate link capacity used
// this millisecond.
func (t TickStats) Utilization(workers int, bandwidth uint64) float64 {
	return float64(t.BytesTransferred) / float64(uint64(workers)*(bandwidth/1000))
}

func (t TickStats) writeRow(w io.Writer, workers int, bandwidth uint64) error {
	_, err := fmt.Fprintf(w, "%d, %d, %d, %d, %d, %d, %d, %d, %d, %g\n",
		t.MS, t.RaysInFlight, t.RaysEnqueued, t.RaysDequeued, t.CameraRaysLaunched,
		t.BounceRaysLaunched, t.ShadowRaysLaunched, t.RaysCompleted, t.BytesTransferred,
		t.Utilization(workers, bandwidth))
	return err
}

// Totals are run-wide counters.
type Totals struct {
	Milliseconds       int64
	RaysTransferred    uint64
	BytesTransferred   uint64
	RaysLaunched       uint64
	CameraRaysLaunched uint64
	ShadowRaysLaunched uint64
	RaysCompleted      uint64
}

// TransfersPerRay is the mean number of network hops per launched ray.
func (t Totals) TransfersPerRay() float64 {
	if t.RaysLaunched == 0 {
		return 0
	}
	return float64(t.RaysTransferred) / float64(t.RaysLaunched)
}

// BytesPerTransfer is the mean message size.
func (t Totals) BytesPerTransfer() uint64 {
	if t.RaysTransferred == 0 {
		return 0
	}
	return t.BytesTransferred / t.RaysTransferred
}

// WriteSummary prints the totals plus the distribution of per-millisecond
// link utilization.
func WriteSummary(w io.Writer, t Totals, series []TickStats, workers int, bandwidth uint64) error {
	util := make([]float64, len(series))
	for i, s := range series {
		util[i] = s.Utilization(workers, bandwidth)
	}
	sort.Float64s(util)
	var mean, p50, p99 float64
	if len(util) > 0 {
		mean = stat.Mean(util, nil)
		p50 = stat.Quantile(0.5, stat.Empirical, util, nil)
		p99 = stat.Quantile(0.99, stat.Empirical, util, nil)
	}
	_, err := fmt.Fprintf(w, "Simulated time: %d ms\n"+
		"Total rays transferred: %d\n"+
		"Total bytes transferred: %d\n"+
		"Camera rays launched: %d\n"+
		"Shadow rays launched: %d\n"+
		"Total rays launched: %d\n"+
		"Rays completed: %d\n"+
		"Average transfers/ray: %.3f\n"+
		"Average bytes/ray: %d\n"+
		"Network utilization: mean %.4f p50 %.4f p99 %.4f\n",
		t.Milliseconds, t.RaysTransferred, t.BytesTransferred, t.CameraRaysLaunched,
		t.ShadowRaysLaunched, t.RaysLaunched, t.RaysCompleted, t.TransfersPerRay(),
		t.BytesPerTransfer(), mean, p50, p99)
	return err
}
