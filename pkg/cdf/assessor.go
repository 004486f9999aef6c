package cdf

import (
	"fmt"

	"github.com/ChrisMcGann/SpecCluster/pkg/binning"
	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// DefaultMinComparisons is the comparison floor used when no better estimate
// exists.
const DefaultMinComparisons = 5000

// PrecursorHolder is the part of a cluster an assessor looks at.
type PrecursorHolder interface {
	PrecursorMZ() float32
}

// ComparisonAssessor estimates how many comparisons a cluster competed in,
// which is the n of the significance test.
type ComparisonAssessor interface {
	NumberOfComparisons(c PrecursorHolder, clusters int) int
}

// MinComparisonsAssessor uses the number of clusters, but never less than
// Min.
type MinComparisonsAssessor struct {
	Min int
}

// NumberOfComparisons implements ComparisonAssessor.
func (a MinComparisonsAssessor) NumberOfComparisons(_ PrecursorHolder, clusters int) int {
	return max(a.Min, clusters)
}

// PerBinAssessor counts clusters per precursor m/z bin of twice the
// precursor tolerance. A cluster competes with the other members of its bin.
type PerBinAssessor struct {
	binner *binning.Binner
	counts map[int]int
}

// NewPerBinAssessor creates an assessor over the usable m/z range and counts
// the given precursors.
func NewPerBinAssessor(precursorTolerance float64, precursorMZs ...float32) (*PerBinAssessor, error) {
	b, err := binning.NewBinner(core.LowestUsableMZ, core.HighestUsableMZ, 2*precursorTolerance, 0, true)
	if err != nil {
		return nil, fmt.Errorf("precursor tolerance %g: %w", precursorTolerance, err)
	}
	a := &PerBinAssessor{binner: b, counts: make(map[int]int)}
	for _, mz := range precursorMZs {
		a.Add(mz)
	}
	return a, nil
}

// Add counts one more cluster at mz.
func (a *PerBinAssessor) Add(mz float32) {
	a.counts[a.binner.AsBin(float64(mz))]++
}

// BinCount returns the number of clusters counted in mz's bin.
func (a *PerBinAssessor) BinCount(mz float32) int {
	return a.counts[a.binner.AsBin(float64(mz))]
}

// NumberOfComparisons implements ComparisonAssessor. It returns the
// population of the cluster's bin minus the cluster itself, at least 1.
func (a *PerBinAssessor) NumberOfComparisons(c PrecursorHolder, _ int) int {
	return max(a.BinCount(c.PrecursorMZ())-1, 1)
}

// Gate accepts a match when its similarity is significant for the number of
// comparisons the assessor estimates.
type Gate struct {
	Function              *Function
	Assessor              ComparisonAssessor
	MaxMixtureProbability float64
}

// Accept reports whether similarity found for c among clusters current
// clusters is safe to merge on.
func (g *Gate) Accept(similarity float64, c PrecursorHolder, clusters int) bool {
	n := g.Assessor.NumberOfComparisons(c, clusters)
	return g.Function.IsSafeMatch(similarity, n, g.MaxMixtureProbability)
}
