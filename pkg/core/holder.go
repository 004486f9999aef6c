package core

// QualityScorer rates a spectrum from its peaks. Scores are non-negative and
// higher is better.
type QualityScorer interface {
	Score(s *Spectrum) float64
}

// QualityScorerFunc adapts a function to QualityScorer.
type QualityScorerFunc func(s *Spectrum) float64

// Score calls f(s).
func (f QualityScorerFunc) Score(s *Spectrum) float64 {
	return f(s)
}

// SpectrumHolder is anything that owns a set of member spectra, usually a
// cluster. Observers receive it with every notification.
type SpectrumHolder interface {
	ID() string
	Spectra() []*Spectrum
	Count() int
}

// SpectrumObserver is notified synchronously after a holder's membership
// changes. Each call carries the complete batch of spectra that changed;
// observers must copy whatever they keep.
type SpectrumObserver interface {
	SpectraAdded(holder SpectrumHolder, added []*Spectrum)
	SpectraRemoved(holder SpectrumHolder, removed []*Spectrum)
}

// ConsensusBuilder maintains a running consensus spectrum for a holder.
type ConsensusBuilder interface {
	SpectrumObserver

	// Combine folds the state of another builder into this one.
	Combine(other ConsensusBuilder) error
	ConsensusSpectrum() *Spectrum
	SpectrumCount() int
	FragmentIonTolerance() float32
}
