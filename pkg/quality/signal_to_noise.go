// Package quality scores spectra for ranking cluster members.
package quality

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// DefaultSignalPeaks is the number of most intense peaks treated as signal.
const DefaultSignalPeaks = 6

// SignalToNoise scores a spectrum as the summed intensity of its strongest
// peaks divided by the median peak intensity.
type SignalToNoise struct {
	SignalPeaks int
}

// NewSignalToNoise returns a scorer using DefaultSignalPeaks.
func NewSignalToNoise() *SignalToNoise {
	return &SignalToNoise{SignalPeaks: DefaultSignalPeaks}
}

// Score implements core.QualityScorer. Spectra without peaks or with a zero
// median score 0.
func (q *SignalToNoise) Score(s *core.Spectrum) float64 {
	if s == nil || s.PeakCount() == 0 {
		return 0
	}

	intensities := make([]float64, s.PeakCount())
	for i := range intensities {
		intensities[i] = float64(s.Peak(i).Intensity)
	}
	slices.Sort(intensities)

	median := stat.Quantile(0.5, stat.Empirical, intensities, nil)
	if median <= 0 {
		return 0
	}

	n := min(q.SignalPeaks, len(intensities))
	signal := floats.Sum(intensities[len(intensities)-n:])
	return signal / median
}
