// Package consensus builds a running consensus spectrum from the spectra added
// to a cluster.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

// DefaultFragmentTolerance is the m/z window within which fragment peaks of
// different spectra are merged.
const DefaultFragmentTolerance = 0.5

var ErrIncompatibleBuilder = errors.New("consensus: cannot combine with a different builder type")

type peak struct {
	mzSum        float64
	intensitySum float64
	count        int
}

func (p peak) mz() float64 { return p.mzSum / float64(p.count) }

// Builder averages member spectra into a consensus spectrum. Peaks within
// the fragment tolerance of an existing consensus peak are merged into it:
// the consensus m/z is the mean over contributions and the intensity is the
// summed intensity divided by the number of spectra. The precursor m/z is
// the mean precursor, the charge the most common one.
//
// A Builder observes a single cluster and is not safe for concurrent use.
type Builder struct {
	id            string
	tolerance     float32
	peaks         []peak
	spectrumCount int
	precursorSum  float64
	charges       map[int]int
	consensus     core.Cached[struct{}, *core.Spectrum]
}

// New returns an empty builder.
func New(tolerance float32) *Builder {
	return &Builder{
		tolerance: tolerance,
		charges:   make(map[int]int),
	}
}

// Restore returns a builder holding a previously computed consensus
// spectrum for spectrumCount members, as written by a store.
func Restore(spectrum *core.Spectrum, spectrumCount int, tolerance float32) *Builder {
	b := New(tolerance)
	if spectrum == nil || spectrumCount <= 0 {
		return b
	}
	b.id = spectrum.ID()
	b.spectrumCount = spectrumCount
	b.precursorSum = float64(spectrum.PrecursorMZ()) * float64(spectrumCount)
	b.charges[spectrum.PrecursorCharge()] = spectrumCount
	for _, p := range spectrum.Peaks() {
		b.peaks = append(b.peaks, peak{
			mzSum:        float64(p.MZ) * float64(p.Count),
			intensitySum: float64(p.Intensity) * float64(spectrumCount),
			count:        p.Count,
		})
	}
	return b
}

// FragmentIonTolerance implements core.ConsensusBuilder.
func (b *Builder) FragmentIonTolerance() float32 { return b.tolerance }

// SpectrumCount implements core.ConsensusBuilder.
func (b *Builder) SpectrumCount() int { return b.spectrumCount }

// SpectraAdded implements core.SpectrumObserver.
func (b *Builder) SpectraAdded(holder core.SpectrumHolder, added []*core.Spectrum) {
	if b.id == "" && holder != nil {
		b.id = holder.ID()
	}
	for _, s := range added {
		b.spectrumCount++
		b.precursorSum += float64(s.PrecursorMZ())
		b.charges[s.PrecursorCharge()]++
		for _, p := range s.Peaks() {
			b.merge(peak{mzSum: float64(p.MZ), intensitySum: float64(p.Intensity), count: 1})
		}
		b.resort()
	}
	b.consensus.Invalidate()
}

// SpectraRemoved implements core.SpectrumObserver. Only spectra that still
// carry their peaks can be taken out of the consensus peaks.
func (b *Builder) SpectraRemoved(_ core.SpectrumHolder, removed []*core.Spectrum) {
	for _, s := range removed {
		if b.spectrumCount == 0 {
			break
		}
		b.spectrumCount--
		b.precursorSum -= float64(s.PrecursorMZ())
		if b.charges[s.PrecursorCharge()]--; b.charges[s.PrecursorCharge()] <= 0 {
			delete(b.charges, s.PrecursorCharge())
		}
		for _, p := range s.Peaks() {
			b.subtract(p)
		}
	}
	if b.spectrumCount == 0 {
		b.peaks = nil
		b.precursorSum = 0
		clear(b.charges)
	}
	b.consensus.Invalidate()
}

// Combine implements core.ConsensusBuilder. other must be a *Builder.
func (b *Builder) Combine(other core.ConsensusBuilder) error {
	o, ok := other.(*Builder)
	if !ok {
		return fmt.Errorf("%w: %T", ErrIncompatibleBuilder, other)
	}
	if o == b {
		return nil
	}
	b.spectrumCount += o.spectrumCount
	b.precursorSum += o.precursorSum
	for charge, n := range o.charges {
		b.charges[charge] += n
	}
	for _, p := range o.peaks {
		b.merge(p)
	}
	b.resort()
	b.consensus.Invalidate()
	return nil
}

// nearest returns the index of the consensus peak closest to mz within the
// tolerance, or -1.
func (b *Builder) nearest(mz float64) int {
	tol := float64(b.tolerance)
	i := sort.Search(len(b.peaks), func(i int) bool { return b.peaks[i].mz() >= mz-tol })
	best, bestDiff := -1, math.Inf(1)
	for j := i; j < len(b.peaks); j++ {
		d := math.Abs(b.peaks[j].mz() - mz)
		if b.peaks[j].mz() > mz+tol {
			break
		}
		if d <= tol && d < bestDiff {
			best, bestDiff = j, d
		}
	}
	return best
}

func (b *Builder) merge(p peak) {
	if i := b.nearest(p.mz()); i >= 0 {
		b.peaks[i].mzSum += p.mzSum
		b.peaks[i].intensitySum += p.intensitySum
		b.peaks[i].count += p.count
		return
	}
	at := sort.Search(len(b.peaks), func(i int) bool { return b.peaks[i].mz() >= p.mz() })
	b.peaks = slices.Insert(b.peaks, at, p)
}

func (b *Builder) subtract(p core.Peak) {
	i := b.nearest(float64(p.MZ))
	if i < 0 {
		return
	}
	b.peaks[i].mzSum -= float64(p.MZ)
	b.peaks[i].intensitySum -= float64(p.Intensity)
	b.peaks[i].count--
	if b.peaks[i].count <= 0 {
		b.peaks = slices.Delete(b.peaks, i, i+1)
	}
}

// resort restores m/z order after merges moved peak means.
func (b *Builder) resort() {
	slices.SortStableFunc(b.peaks, func(x, y peak) int {
		switch {
		case x.mz() < y.mz():
			return -1
		case x.mz() > y.mz():
			return 1
		}
		return 0
	})
}

// ConsensusSpectrum implements core.ConsensusBuilder. It returns nil while
// no spectrum has been added.
func (b *Builder) ConsensusSpectrum() *core.Spectrum {
	if b.spectrumCount == 0 {
		return nil
	}
	if s, ok := b.consensus.Get(struct{}{}); ok {
		return s
	}

	n := float64(b.spectrumCount)
	peaks := make([]core.Peak, 0, len(b.peaks))
	for _, p := range b.peaks {
		peaks = append(peaks, core.Peak{
			MZ:        float32(p.mz()),
			Intensity: float32(p.intensitySum / n),
			Count:     p.count,
		})
	}
	s := core.NewSpectrum(b.id, float32(b.precursorSum/n), b.charge(), peaks)
	b.consensus.Set(struct{}{}, s)
	return s
}

// charge returns the most common charge; ties go to the lower charge.
func (b *Builder) charge() int {
	best, bestN := 0, 0
	for charge, n := range b.charges {
		if n > bestN || (n == bestN && charge < best) {
			best, bestN = charge, n
		}
	}
	return best
}
