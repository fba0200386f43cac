// Package metrics holds the optional debug instrumentation of a matching run.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder accumulates search statistics across all voxels of a run
type Recorder struct {
	registry *prometheus.Registry

	voxels          prometheus.Counter
	combinations    *prometheus.CounterVec
	candidates      prometheus.Histogram
	maxCombinations prometheus.GaugeFunc

	worst atomic.Uint64
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		voxels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fixelcorrespondence_voxels_searched_total",
			Help: "Voxels passed through the combinatorial search",
		}),
		combinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixelcorrespondence_combinations_total",
			Help: "Assignment combinations by outcome",
		}, []string{"outcome"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixelcorrespondence_origin_candidates",
			Help:    "Legal origin sets per voxel",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	r.maxCombinations = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fixelcorrespondence_max_combinations",
		Help: "Largest search space seen in a single voxel",
	}, func() float64 { return float64(r.worst.Load()) })
	r.registry.MustRegister(r.voxels, r.combinations, r.candidates, r.maxCombinations)
	return r
}

// ObserveVoxel records the statistics of one voxel's search
func (r *Recorder) ObserveVoxel(candidates int, combinations, scored, rejected, skipped uint64) {
	if r == nil {
		return
	}
	r.voxels.Inc()
	r.candidates.Observe(float64(candidates))
	r.combinations.WithLabelValues("scored").Add(float64(scored))
	r.combinations.WithLabelValues("rejected").Add(float64(rejected))
	r.combinations.WithLabelValues("skipped").Add(float64(skipped))

	for {
		cur := r.worst.Load()
		if combinations <= cur {
			return
		}
		if r.worst.CompareAndSwap(cur, combinations) {
			return
		}
	}
}

// MaxCombinations returns the largest per-voxel search space observed
func (r *Recorder) MaxCombinations() uint64 {
	if r == nil {
		return 0
	}
	return r.worst.Load()
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile dumps the current metrics in the text exposition format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
