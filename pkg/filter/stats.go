package filter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats collects diagnostics for MaximalPeakFilter runs: which ladder step
// settled each spectrum, how often the ladder ran out, and the size of the
// reduced peak lists. A nil *Stats records nothing.
type Stats struct {
	steps     *prometheus.CounterVec
	exhausted prometheus.Counter
	sizes     prometheus.Histogram
}

// NewStats creates the collectors and registers them with reg. A nil reg
// leaves the collectors unregistered, which suits tests.
func NewStats(reg prometheus.Registerer) (*Stats, error) {
	s := &Stats{
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speccluster_peak_filter_steps_total",
				Help: "Spectra settled by each ladder step of the maximal peak filter",
			},
			[]string{"step"},
		),
		exhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speccluster_peak_filter_exhausted_total",
				Help: "Spectra still above the target peak count after the strictest ladder step",
			},
		),
		sizes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "speccluster_peak_filter_output_peaks",
				Help:    "Number of peaks left by the maximal peak filter",
				Buckets: prometheus.LinearBuckets(25, 25, 12),
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{s.steps, s.exhausted, s.sizes} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Stats) observe(res LadderResult) {
	if s == nil {
		return
	}
	step := "none"
	if res.Step >= 0 {
		step = strconv.Itoa(res.Step)
	}
	s.steps.WithLabelValues(step).Inc()
	if res.Exhausted {
		s.exhausted.Inc()
	}
	s.sizes.Observe(float64(len(res.Peaks)))
}

// Collectors returns the underlying collectors.
func (s *Stats) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.steps, s.exhausted, s.sizes}
}
