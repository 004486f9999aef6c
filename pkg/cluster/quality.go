package cluster

import (
	"cmp"
	"slices"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// DefaultQualitySpectra is the number of best spectra a QualityHolder keeps.
const DefaultQualitySpectra = 20

// QualityHolder observes a cluster and keeps its highest-quality members.
// Additions are merged into the ranking directly; removing a ranked spectrum
// marks the ranking dirty and it is rebuilt from the holder's members on the
// next read.
type QualityHolder struct {
	size   int
	source core.SpectrumHolder
	ranked core.Cached[struct{}, []*core.Spectrum]
}

// NewQualityHolder keeps up to size spectra.
func NewQualityHolder(size int) *QualityHolder {
	q := &QualityHolder{size: size}
	q.ranked.Set(struct{}{}, nil)
	return q
}

func compareQuality(a, b *core.Spectrum) int {
	if c := cmp.Compare(b.Quality(), a.Quality()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID(), b.ID())
}

// SpectraAdded implements core.SpectrumObserver.
func (q *QualityHolder) SpectraAdded(holder core.SpectrumHolder, added []*core.Spectrum) {
	q.source = holder
	ranked, ok := q.ranked.Get(struct{}{})
	if !ok {
		return
	}
	q.ranked.Set(struct{}{}, q.rank(append(slices.Clone(ranked), added...)))
}

// SpectraRemoved implements core.SpectrumObserver.
func (q *QualityHolder) SpectraRemoved(holder core.SpectrumHolder, removed []*core.Spectrum) {
	q.source = holder
	ranked, ok := q.ranked.Get(struct{}{})
	if !ok {
		return
	}
	for _, r := range removed {
		if slices.ContainsFunc(ranked, func(s *core.Spectrum) bool { return s.ID() == r.ID() }) {
			q.ranked.Invalidate()
			return
		}
	}
}

func (q *QualityHolder) rank(spectra []*core.Spectrum) []*core.Spectrum {
	slices.SortStableFunc(spectra, compareQuality)
	if len(spectra) > q.size {
		spectra = spectra[:q.size:q.size]
	}
	return spectra
}

// HighestQualitySpectra returns the ranked spectra, best first.
func (q *QualityHolder) HighestQualitySpectra() []*core.Spectrum {
	ranked, ok := q.ranked.Get(struct{}{})
	if !ok {
		var members []*core.Spectrum
		if q.source != nil {
			members = q.source.Spectra()
		}
		ranked = q.rank(members)
		q.ranked.Set(struct{}{}, ranked)
	}
	return slices.Clone(ranked)
}

// Quality returns the best member quality, or 0 for an empty cluster.
func (q *QualityHolder) Quality() float64 {
	ranked := q.HighestQualitySpectra()
	if len(ranked) == 0 {
		return 0
	}
	return ranked[0].Quality()
}
