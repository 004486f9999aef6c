// Package core provides the spectrum model shared by the clustering packages:
// peaks, immutable spectra with cached peak subsets, property bags and the
// observer contracts between clusters and their consensus builders.
package core

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
)

// Spectrum is an immutable tandem mass spectrum. Peaks are stored sorted by
// m/z. Derived views (highest-N subsets, major peaks, quality) are computed
// lazily and cached; transformations always return a new Spectrum.
type Spectrum struct {
	id          string
	precursorMZ float32
	charge      int
	peaks       []Peak
	props       Properties
	scorer      QualityScorer
	stripped    bool

	// Derived once at construction
	totalIntensity        float64
	sumSquareLogIntensity float64

	mu         sync.Mutex
	quality    Cached[struct{}, float64]
	highest    map[int]*Spectrum
	majorPeaks Cached[int, map[int]struct{}]
}

// SpectrumOption configures NewSpectrum.
type SpectrumOption func(*Spectrum)

// WithProperties attaches a copy of props to the spectrum.
func WithProperties(props Properties) SpectrumOption {
	return func(s *Spectrum) {
		s.props = props.Clone()
	}
}

// WithScorer sets the quality scorer used by Quality.
func WithScorer(scorer QualityScorer) SpectrumOption {
	return func(s *Spectrum) {
		s.scorer = scorer
	}
}

// WithQuality presets a previously computed quality score, e.g. one read
// back from a store. The scorer is not consulted.
func WithQuality(q float64) SpectrumOption {
	return func(s *Spectrum) {
		s.quality.Set(struct{}{}, q)
	}
}

// NewSpectrum creates a spectrum from a copy of peaks, sorted by m/z. Peaks
// with a zero count are given a count of 1.
func NewSpectrum(id string, precursorMZ float32, charge int, peaks []Peak, opts ...SpectrumOption) *Spectrum {
	s := &Spectrum{
		id:          id,
		precursorMZ: precursorMZ,
		charge:      charge,
		props:       Properties{},
	}
	for _, opt := range opts {
		opt(s)
	}

	sorted := make([]Peak, len(peaks))
	for i, p := range peaks {
		if p.Count == 0 {
			p.Count = 1
		}
		sorted[i] = p
	}
	slices.SortStableFunc(sorted, ComparePeaks)
	s.setPeaks(sorted)
	return s
}

// setPeaks takes ownership of sorted peaks and computes the derived sums.
func (s *Spectrum) setPeaks(sorted []Peak) {
	s.peaks = sorted
	s.totalIntensity = 0
	s.sumSquareLogIntensity = 0
	for _, p := range sorted {
		s.totalIntensity += float64(p.Intensity)
		if p.Intensity > 0 {
			v := 1 + math.Log(float64(p.Intensity))
			s.sumSquareLogIntensity += v * v
		}
	}
}

// derive returns a spectrum with the same metadata and the given m/z-sorted
// peaks.
func (s *Spectrum) derive(sorted []Peak) *Spectrum {
	d := &Spectrum{
		id:          s.id,
		precursorMZ: s.precursorMZ,
		charge:      s.charge,
		props:       s.props,
		scorer:      s.scorer,
	}
	d.setPeaks(sorted)
	return d
}

// WithPeaks returns a spectrum with the same metadata and scorer holding a
// sorted copy of peaks.
func (s *Spectrum) WithPeaks(peaks []Peak) *Spectrum {
	return NewSpectrum(s.id, s.precursorMZ, s.charge, peaks,
		WithProperties(s.props),
		WithScorer(s.scorer))
}

// ID returns the spectrum identifier.
func (s *Spectrum) ID() string { return s.id }

// PrecursorMZ returns the precursor m/z.
func (s *Spectrum) PrecursorMZ() float32 { return s.precursorMZ }

// PrecursorCharge returns the precursor charge state.
func (s *Spectrum) PrecursorCharge() int { return s.charge }

// PeakCount returns the number of peaks.
func (s *Spectrum) PeakCount() int { return len(s.peaks) }

// Peak returns the i-th peak in m/z order.
func (s *Spectrum) Peak(i int) Peak { return s.peaks[i] }

// Peaks returns a copy of the peaks in m/z order.
func (s *Spectrum) Peaks() []Peak { return slices.Clone(s.peaks) }

// HasPeaks reports whether the peak list was retained. Spectra produced by
// WithoutPeaks never have peaks.
func (s *Spectrum) HasPeaks() bool { return !s.stripped }

// TotalIntensity returns the summed peak intensity.
func (s *Spectrum) TotalIntensity() float64 { return s.totalIntensity }

// SumSquareLogIntensity returns the sum of (1+ln(intensity))^2 over peaks
// with a positive intensity.
func (s *Spectrum) SumSquareLogIntensity() float64 { return s.sumSquareLogIntensity }

// Properties returns a copy of the property bag.
func (s *Spectrum) Properties() Properties { return s.props.Clone() }

// Property returns a single property value.
func (s *Spectrum) Property(key PropertyKey) (string, bool) { return s.props.Get(key) }

// Quality returns the score assigned by the spectrum's quality scorer, or 0
// without one. The score is computed once.
func (s *Spectrum) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityLocked()
}

func (s *Spectrum) qualityLocked() float64 {
	if q, ok := s.quality.Get(struct{}{}); ok {
		return q
	}
	q := 0.0
	if s.scorer != nil && !s.stripped {
		q = s.scorer.Score(s)
	}
	s.quality.Set(struct{}{}, q)
	return q
}

// WithoutPeaks returns a metadata-only copy. The quality score is computed
// before the peaks are dropped and travels with the copy.
func (s *Spectrum) WithoutPeaks() *Spectrum {
	if s.stripped {
		return s
	}
	q := s.Quality()
	out := &Spectrum{
		id:                    s.id,
		precursorMZ:           s.precursorMZ,
		charge:                s.charge,
		props:                 s.props,
		stripped:              true,
		totalIntensity:        s.totalIntensity,
		sumSquareLogIntensity: s.sumSquareLogIntensity,
	}
	out.quality.Set(struct{}{}, q)
	return out
}

// HighestNPeaks returns a spectrum restricted to the n most intense peaks,
// sorted by m/z. Results are cached per n; when n covers every peak the
// spectrum itself is returned, so all larger requests share one result.
func (s *Spectrum) HighestNPeaks(n int) *Spectrum {
	if n < 0 {
		n = 0
	}
	if n >= len(s.peaks) {
		return s
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hit, ok := s.highest[n]; ok {
		return hit
	}

	ranked := slices.Clone(s.peaks)
	slices.SortFunc(ranked, CompareByIntensity)
	kept := ranked[:n:n]
	slices.SortFunc(kept, ComparePeaks)

	out := s.derive(kept)
	if s.highest == nil {
		s.highest = make(map[int]*Spectrum)
	}
	s.highest[n] = out
	return out
}

// MajorPeakMZs returns the integer-rounded m/z values of the n most intense
// peaks in ascending order. The set is recomputed whenever n changes.
func (s *Spectrum) MajorPeakMZs(n int) []int {
	set := s.majorPeakSet(n)
	out := make([]int, 0, len(set))
	for mz := range set {
		out = append(out, mz)
	}
	slices.Sort(out)
	return out
}

// ContainsMajorPeak reports whether the rounded mz is among the n most
// intense peaks.
func (s *Spectrum) ContainsMajorPeak(mz float32, n int) bool {
	_, ok := s.majorPeakSet(n)[roundMZ(mz)]
	return ok
}

func (s *Spectrum) majorPeakSet(n int) map[int]struct{} {
	s.mu.Lock()
	if set, ok := s.majorPeaks.Get(n); ok {
		s.mu.Unlock()
		return set
	}
	s.mu.Unlock()

	top := s.HighestNPeaks(n)
	set := make(map[int]struct{}, top.PeakCount())
	for _, p := range top.peaks {
		set[roundMZ(p.MZ)] = struct{}{}
	}

	s.mu.Lock()
	s.majorPeaks.Set(n, set)
	s.mu.Unlock()
	return set
}

func roundMZ(mz float32) int {
	return int(math.Round(float64(mz)))
}

// Equal reports full value equality: id, precursor, peaks and properties.
func (s *Spectrum) Equal(o *Spectrum) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	return s.id == o.id &&
		s.precursorMZ == o.precursorMZ &&
		s.charge == o.charge &&
		s.stripped == o.stripped &&
		slices.Equal(s.peaks, o.peaks) &&
		s.props.Equal(o.props)
}

// Equivalent reports weak equality: same charge, precursor m/z within
// SmallMZDifference and pairwise equivalent peaks.
func (s *Spectrum) Equivalent(o *Spectrum) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	if s.charge != o.charge {
		return false
	}
	if math.Abs(float64(s.precursorMZ)-float64(o.precursorMZ)) > SmallMZDifference {
		return false
	}
	if len(s.peaks) != len(o.peaks) {
		return false
	}
	for i := range s.peaks {
		if !s.peaks[i].Equivalent(o.peaks[i]) {
			return false
		}
	}
	return true
}

// ValidationError represents an error found during spectrum validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Validate checks that precursor and peak values are usable numbers.
func (s *Spectrum) Validate() error {
	var errs []string

	if s.charge < 0 {
		errs = append(errs, "charge must not be negative")
	}
	if isBad(s.precursorMZ) || s.precursorMZ < 0 {
		errs = append(errs, "precursor m/z must be a non-negative number")
	}

	for i, peak := range s.peaks {
		if isBad(peak.MZ) || peak.MZ <= 0 {
			errs = append(errs, fmt.Sprintf("peak %d has invalid m/z", i))
		}
		if isBad(peak.Intensity) || peak.Intensity < 0 {
			errs = append(errs, fmt.Sprintf("peak %d has invalid intensity", i))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "Spectrum " + s.id,
			Message: strings.Join(errs, "; "),
		}
	}
	return nil
}

func isBad(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// String returns "id (mz/charge, n peaks)".
func (s *Spectrum) String() string {
	return fmt.Sprintf("%s (%.4f/%d, %d peaks)", s.id, s.precursorMZ, s.charge, len(s.peaks))
}
